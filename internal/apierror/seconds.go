package apierror

import (
	"math"
	"net/http"
	"time"
)

const maxSeconds = math.MaxInt64 / int64(time.Second)

// Seconds converts a whole-seconds request field to a duration, rejecting
// values a time.Duration cannot hold.
func Seconds(field string, n int64) (time.Duration, error) {
	if n > maxSeconds || n < -maxSeconds {
		return 0, New(http.StatusBadRequest, field+" is out of range")
	}
	return time.Duration(n) * time.Second, nil
}
