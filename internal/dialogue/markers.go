package dialogue

import (
	"strings"
)

// In-band sentinels the model emits to request side effects. The markers are
// the model-to-system protocol; they never reach the caller or the call log.
const (
	MarkerTransfer = "INITIATING_TRANSFER"
	MarkerBooking  = "BOOKING_APPOINTMENT"
)

// bookingLabels are the field labels of a booking block, in the order the
// model is instructed to emit them.
var bookingLabels = []string{
	"DATE:", "START_TIME:", "END_TIME:",
	"CUSTOMER_NAME:", "CUSTOMER_PHONE:", "CUSTOMER_EMAIL:",
	"SERVICE:", "NOTES:",
}

// BookingRequest is a parsed booking block.
type BookingRequest struct {
	Date          string
	StartTime     string
	EndTime       string
	CustomerName  string
	CustomerPhone string
	CustomerEmail string
	Service       string
	Notes         string
}

// Complete reports whether the required fields are present.
func (b BookingRequest) Complete() bool {
	return b.Date != "" && b.StartTime != "" && b.EndTime != "" && b.CustomerName != ""
}

// HasTransferMarker reports whether the accumulated response contains the
// transfer sentinel. The scan runs over the full accumulated text, so markers
// split across stream deltas are still detected.
func HasTransferMarker(text string) bool {
	return strings.Contains(text, MarkerTransfer)
}

// HasBookingMarker reports whether the accumulated response contains the
// booking sentinel.
func HasBookingMarker(text string) bool {
	return strings.Contains(text, MarkerBooking)
}

// ParseBookingBlock extracts the labelled booking block following the booking
// marker. Lines are matched by label prefix; unknown lines inside the block
// are ignored. Returns ok=false when the marker is absent.
func ParseBookingBlock(text string) (BookingRequest, bool) {
	idx := strings.Index(text, MarkerBooking)
	if idx < 0 {
		return BookingRequest{}, false
	}

	var req BookingRequest
	for _, line := range strings.Split(text[idx:], "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "DATE:"):
			req.Date = strings.TrimSpace(strings.TrimPrefix(line, "DATE:"))
		case strings.HasPrefix(line, "START_TIME:"):
			req.StartTime = strings.TrimSpace(strings.TrimPrefix(line, "START_TIME:"))
		case strings.HasPrefix(line, "END_TIME:"):
			req.EndTime = strings.TrimSpace(strings.TrimPrefix(line, "END_TIME:"))
		case strings.HasPrefix(line, "CUSTOMER_NAME:"):
			req.CustomerName = strings.TrimSpace(strings.TrimPrefix(line, "CUSTOMER_NAME:"))
		case strings.HasPrefix(line, "CUSTOMER_PHONE:"):
			req.CustomerPhone = strings.TrimSpace(strings.TrimPrefix(line, "CUSTOMER_PHONE:"))
		case strings.HasPrefix(line, "CUSTOMER_EMAIL:"):
			req.CustomerEmail = strings.TrimSpace(strings.TrimPrefix(line, "CUSTOMER_EMAIL:"))
		case strings.HasPrefix(line, "SERVICE:"):
			req.Service = strings.TrimSpace(strings.TrimPrefix(line, "SERVICE:"))
		case strings.HasPrefix(line, "NOTES:"):
			req.Notes = strings.TrimSpace(strings.TrimPrefix(line, "NOTES:"))
		}
	}
	return req, true
}

// StripMarkers removes both sentinels and any booking block lines from text,
// returning the clean prose that goes to the caller and the call log.
func StripMarkers(text string) string {
	text = strings.ReplaceAll(text, MarkerTransfer, "")

	if strings.Contains(text, MarkerBooking) {
		lines := strings.Split(text, "\n")
		kept := lines[:0]
		for _, line := range lines {
			trimmed := strings.TrimSpace(line)
			if isBookingLine(trimmed) {
				continue
			}
			kept = append(kept, strings.ReplaceAll(line, MarkerBooking, ""))
		}
		text = strings.Join(kept, "\n")
	}

	return strings.TrimSpace(trimSpaceBeforePunct(collapseSpaces(text)))
}

// isBookingLine reports whether a trimmed line belongs to a booking block.
func isBookingLine(line string) bool {
	for _, label := range bookingLabels {
		if strings.HasPrefix(line, label) {
			return true
		}
	}
	return false
}

// punctGluer removes the dangling space a mid-sentence marker leaves before
// the terminator ("Hold on ." from a stripped transfer sentinel).
var punctGluer = strings.NewReplacer(
	" .", ".", " ,", ",", " !", "!", " ?", "?", " ;", ";", " :", ":",
)

func trimSpaceBeforePunct(s string) string {
	return punctGluer.Replace(s)
}

// collapseSpaces squeezes runs of spaces left behind by marker removal.
func collapseSpaces(s string) string {
	for strings.Contains(s, "  ") {
		s = strings.ReplaceAll(s, "  ", " ")
	}
	for strings.Contains(s, "\n\n\n") {
		s = strings.ReplaceAll(s, "\n\n\n", "\n\n")
	}
	return s
}
