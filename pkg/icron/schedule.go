package icron

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// Parser accepts standard five-field expressions and descriptors such as
// "@every 30m" or "@hourly", matching what cron.New() schedules by default.
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type TriggerInfo struct {
	Expression    string        `json:"expression"`
	Next          time.Time     `json:"next"`
	TimeUntilNext time.Duration `json:"time_until_next"`
}

func Validate(expr string) error {
	if _, err := Parser.Parse(expr); err != nil {
		return errors.Wrapf(err, "invalid cron expression %q", expr)
	}
	return nil
}

func GetTriggerInfo(expr string, refTime time.Time) (*TriggerInfo, error) {
	schedule, err := Parser.Parse(expr)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid cron expression %q", expr)
	}

	next := schedule.Next(refTime)
	return &TriggerInfo{
		Expression:    expr,
		Next:          next,
		TimeUntilNext: next.Sub(refTime),
	}, nil
}
