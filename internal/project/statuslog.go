package project

import (
	"bufio"
	"errors"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// TimestampLayout is the layout used to render status log timestamps.
const TimestampLayout = "02/Jan/2006 15:04:05"

var dateLike = regexp.MustCompile(`^[\d.\-\s:]*$`)

// LogEntry is a single parsed line of a status log.
type LogEntry struct {
	Message    string
	Timestamp  string
	Completion int
}

// ParseStatusLog parses the tab separated status log written by a running
// process. Each line may carry a completion percentage ("42%"), a Unix
// timestamp and any number of message fields. Consecutive duplicate
// messages are collapsed. Entries are returned newest first along with the
// latest non-zero completion seen.
func ParseStatusLog(r io.Reader) ([]LogEntry, int, error) {
	var (
		entries    []LogEntry
		total      int
		prev       string
		hasPrevMsg bool
	)

	reader := bufio.NewReader(r)

	// Lines have no length limit.
	for eof := false; !eof; {
		raw, err := reader.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return nil, 0, err
			}

			eof = true
		}

		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		var (
			message    []string
			timestamp  string
			completion int
		)

		for field := range strings.SplitSeq(line, "\t") {
			if field == "" {
				continue
			}

			if pct, ok := parsePercentage(field); ok {
				completion = pct
				if pct > 0 {
					total = pct
				}

				continue
			}

			if dateLike.MatchString(field) {
				if isDigits(field) {
					if secs, err := strconv.ParseInt(field, 10, 64); err == nil {
						timestamp = time.Unix(secs, 0).Format(TimestampLayout)
					}
				}

				continue
			}

			message = append(message, field)
		}

		msg := strings.TrimSpace(strings.Join(message, " "))
		if msg == "" {
			continue
		}

		if hasPrevMsg && msg == prev {
			continue
		}

		entries = append(entries, LogEntry{
			Message:    msg,
			Timestamp:  timestamp,
			Completion: completion,
		})

		prev = msg
		hasPrevMsg = true
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}

	return entries, total, nil
}

func parsePercentage(field string) (int, bool) {
	digits, ok := strings.CutSuffix(field, "%")
	if !ok || !isDigits(digits) {
		return 0, false
	}

	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}

	return n, true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}

	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}

	return true
}
