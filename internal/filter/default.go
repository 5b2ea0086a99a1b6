package filter

import _ "embed"

//go:embed default_filter.txt
var defaultFilter string
