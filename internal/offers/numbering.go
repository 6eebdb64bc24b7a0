package offers

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const offerNumberPrefix = "OFF"

// NumberPrefix returns the year-month prefix offer numbers share, e.g. "OFF-202403-".
func NumberPrefix(now time.Time) string {
	return fmt.Sprintf("%s-%s-", offerNumberPrefix, now.Format("200601"))
}

// NextOfferNumber derives the number following last within now's year-month.
// An empty last, or one from another month, starts the sequence at 0001.
func NextOfferNumber(now time.Time, last string) (string, error) {
	prefix := NumberPrefix(now)
	seq := 1
	if strings.HasPrefix(last, prefix) {
		n, err := strconv.Atoi(strings.TrimPrefix(last, prefix))
		if err != nil || n < 0 {
			return "", fmt.Errorf("offers: malformed offer number %q", last)
		}
		seq = n + 1
	}
	return fmt.Sprintf("%s%04d", prefix, seq), nil
}
