package engine

import (
	"runtime"
	"strconv"
	"strings"
)

// goid returns the current goroutine's id by parsing the first line
// of its stack header, "goroutine N [running]:".
func goid() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := strings.Fields(string(buf[:n]))
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return id
}
