package anonymiser

import (
	"fmt"
	"strings"
	"time"
)

// shiftDate applies the study's day offset to a DA or DT value. TM values
// carry no date component and pass through unchanged.
func shiftDate(value, vr string, offsetDays int) (string, error) {
	value = strings.TrimRight(value, " \x00")
	if value == "" {
		return "", nil
	}

	switch vr {
	case "DA":
		t, err := time.Parse("20060102", value)
		if err != nil {
			return "", fmt.Errorf("unparseable DA value %q: %w", value, err)
		}
		return t.AddDate(0, 0, offsetDays).Format("20060102"), nil
	case "DT":
		datePart, rest := splitDatetime(value)
		t, err := time.Parse("20060102", datePart)
		if err != nil {
			return "", fmt.Errorf("unparseable DT value %q: %w", value, err)
		}
		return t.AddDate(0, 0, offsetDays).Format("20060102") + rest, nil
	case "TM":
		return value, nil
	default:
		return "", fmt.Errorf("date-shift not applicable to VR %s", vr)
	}
}

// floorDatetime truncates a DT or TM value to the start of its day.
func floorDatetime(value, vr string) (string, error) {
	value = strings.TrimRight(value, " \x00")
	if value == "" {
		return "", nil
	}

	switch vr {
	case "DT":
		datePart, _ := splitDatetime(value)
		if _, err := time.Parse("20060102", datePart); err != nil {
			return "", fmt.Errorf("unparseable DT value %q: %w", value, err)
		}
		return datePart + "000000", nil
	case "TM":
		return "000000", nil
	case "DA":
		// Dates are already day-granular.
		return value, nil
	default:
		return "", fmt.Errorf("date-floor not applicable to VR %s", vr)
	}
}

// splitDatetime separates the date prefix of a DT value from the time and
// offset suffix.
func splitDatetime(value string) (datePart, rest string) {
	if len(value) <= 8 {
		// Pad partial dates out to a full day; DICOM permits YYYY and
		// YYYYMM precision.
		switch len(value) {
		case 4:
			return value + "0101", ""
		case 6:
			return value + "01", ""
		default:
			return value, ""
		}
	}
	return value[:8], value[8:]
}
