package devconf

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultPPI is used when a display spec omits the pixel density.
const DefaultPPI = 226

// Display is the guest screen geometry.
type Display struct {
	Width  int
	Height int
	PPI    int
}

// ParseDisplay parses WxH or WxHxPPI.
func ParseDisplay(spec string) (Display, error) {
	fields := strings.Split(spec, "x")
	if len(fields) != 2 && len(fields) != 3 {
		return Display{}, configErr(spec, "display must be WIDTHxHEIGHT[xPPI]")
	}

	values := make([]int, len(fields))
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n <= 0 {
			return Display{}, configErr(spec, "%q is not a positive integer", f)
		}
		values[i] = n
	}

	d := Display{Width: values[0], Height: values[1], PPI: DefaultPPI}
	if len(values) == 3 {
		d.PPI = values[2]
	}
	return d, nil
}

func (d Display) String() string {
	return fmt.Sprintf("%dx%dx%d", d.Width, d.Height, d.PPI)
}
