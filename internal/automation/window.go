package automation

import (
	"fmt"
	"time"

	"github.com/proxbalance/proxbalance/internal/config"
)

// Window is a compiled weekly time range.
type Window struct {
	Name     string
	Days     map[time.Weekday]bool
	Start    int                   // minutes after midnight
	End      int                   // minutes after midnight, inclusive
	Location *time.Location
}

// CompileWindows parses enabled windows. Disabled windows are dropped.
func CompileWindows(cfgs []config.WindowConfig) ([]Window, error) {
	var windows []Window
	for _, c := range cfgs {
		if !c.IsEnabled() {
			continue
		}
		w, err := compileWindow(c)
		if err != nil {
			return nil, err
		}
		windows = append(windows, w)
	}
	return windows, nil
}

func compileWindow(c config.WindowConfig) (Window, error) {
	start, err := time.Parse("15:04", c.StartTime)
	if err != nil {
		return Window{}, fmt.Errorf("window %q: invalid start_time %q", c.Name, c.StartTime)
	}
	end, err := time.Parse("15:04", c.EndTime)
	if err != nil {
		return Window{}, fmt.Errorf("window %q: invalid end_time %q", c.Name, c.EndTime)
	}

	loc := time.UTC
	if c.Timezone != "" {
		loc, err = time.LoadLocation(c.Timezone)
		if err != nil {
			return Window{}, fmt.Errorf("window %q: unknown timezone %q", c.Name, c.Timezone)
		}
	}

	if len(c.Days) == 0 {
		return Window{}, fmt.Errorf("window %q: days must list at least one weekday", c.Name)
	}
	days := make(map[time.Weekday]bool, len(c.Days))
	for _, d := range c.Days {
		wd, ok := config.ParseWeekday(d)
		if !ok {
			return Window{}, fmt.Errorf("window %q: unknown day %q", c.Name, d)
		}
		days[wd] = true
	}

	return Window{
		Name:     c.Name,
		Days:     days,
		Start:    start.Hour()*60 + start.Minute(),
		End:      end.Hour()*60 + end.Minute(),
		Location: loc,
	}, nil
}

// Contains reports whether t falls inside the window, evaluated in the
// window's own timezone. A range with Start > End spans midnight and the
// day check applies to the local day of t.
func (w Window) Contains(t time.Time) bool {
	local := t.In(w.Location)
	if !w.Days[local.Weekday()] {
		return false
	}
	minute := local.Hour()*60 + local.Minute()
	if w.Start <= w.End {
		return minute >= w.Start && minute <= w.End
	}
	return minute >= w.Start || minute <= w.End
}

// Schedule holds the compiled migration and blackout windows.
type Schedule struct {
	Migration []Window
	Blackout  []Window

	// restricted is set when any migration window is configured, enabled or not.
	restricted bool
}

// NewSchedule compiles a schedule configuration.
func NewSchedule(cfg config.ScheduleConfig) (*Schedule, error) {
	migration, err := CompileWindows(cfg.MigrationWindows)
	if err != nil {
		return nil, err
	}
	blackout, err := CompileWindows(cfg.BlackoutWindows)
	if err != nil {
		return nil, err
	}
	return &Schedule{
		Migration:  migration,
		Blackout:   blackout,
		restricted: len(cfg.MigrationWindows) > 0,
	}, nil
}

// InMigrationWindow returns whether t is inside an enabled migration window and
// the matching window name. Migrations are always allowed only when no
// migration window is configured at all. Configured windows that are all
// disabled allow nothing.
func (s *Schedule) InMigrationWindow(t time.Time) (bool, string) {
	if !s.restricted {
		return true, ""
	}
	for _, w := range s.Migration {
		if w.Contains(t) {
			return true, w.Name
		}
	}
	return false, ""
}

// InBlackout returns whether t is inside an enabled blackout window.
func (s *Schedule) InBlackout(t time.Time) (bool, string) {
	for _, w := range s.Blackout {
		if w.Contains(t) {
			return true, w.Name
		}
	}
	return false, ""
}
