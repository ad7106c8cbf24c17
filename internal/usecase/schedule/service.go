package schedule

import (
	"errors"
	"strings"
	"time"
)

// ErrInvalidTimezone возвращается, если указан некорректный часовой пояс.
var ErrInvalidTimezone = errors.New("invalid timezone")

// QuietHours задаёт окно часов, в которое тики пропускаются. Start включительно, End исключительно;
// окно может переходить через полночь (22 → 8).
type QuietHours struct {
	Start    int
	End      int
	Location *time.Location
}

// NewQuietHours создаёт окно тишины. Отрицательные или равные границы отключают его.
func NewQuietHours(start, end int, timezone string) (QuietHours, error) {
	loc, err := LoadLocation(timezone)
	if err != nil {
		return QuietHours{}, err
	}
	return QuietHours{Start: start, End: end, Location: loc}, nil
}

// Enabled сообщает, задано ли окно.
func (q QuietHours) Enabled() bool {
	return q.Start >= 0 && q.End >= 0 && q.Start <= 23 && q.End <= 23 && q.Start != q.End
}

// Contains сообщает, попадает ли момент в окно тишины.
func (q QuietHours) Contains(t time.Time) bool {
	if !q.Enabled() {
		return false
	}
	loc := q.Location
	if loc == nil {
		loc = time.UTC
	}
	h := t.In(loc).Hour()
	if q.Start < q.End {
		return h >= q.Start && h < q.End
	}
	return h >= q.Start || h < q.End
}

// LoadLocation загружает часовой пояс, допуская ввод в произвольном регистре и с пробелами.
func LoadLocation(raw string) (*time.Location, error) {
	if strings.TrimSpace(raw) == "" {
		return time.UTC, nil
	}
	name, err := normalizeTimezone(raw)
	if err != nil {
		return nil, err
	}
	return time.LoadLocation(name)
}

func normalizeTimezone(raw string) (string, error) {
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		return "", ErrInvalidTimezone
	}
	candidate = strings.ReplaceAll(candidate, " ", "_")
	if _, err := time.LoadLocation(candidate); err == nil {
		return candidate, nil
	}
	parts := strings.Split(strings.ToLower(candidate), "/")
	for i, part := range parts {
		segments := strings.Split(part, "_")
		for j, segment := range segments {
			pieces := strings.Split(segment, "-")
			for k, piece := range pieces {
				if piece == "" {
					continue
				}
				pieces[k] = strings.ToUpper(piece[:1]) + piece[1:]
			}
			segments[j] = strings.Join(pieces, "-")
		}
		parts[i] = strings.Join(segments, "_")
	}
	normalized := strings.Join(parts, "/")
	if _, err := time.LoadLocation(normalized); err == nil {
		return normalized, nil
	}
	return "", ErrInvalidTimezone
}
