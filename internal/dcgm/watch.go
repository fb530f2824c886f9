package dcgm

import (
	"fmt"
	"os"
	"time"
)

// Category is a named set of fields enrolled for polling together.
type Category string

const (
	// CategoryPower fields are sampled by the daemon by default, so enabling
	// it registers nothing daemon-side.
	CategoryPower Category = "power"
	// CategoryProfiling fields need an explicit watch and are often
	// restricted to privileged sessions.
	CategoryProfiling Category = "profiling"
)

const (
	watchInterval       = 100 * time.Millisecond
	watchMaxKeepAge     = 0.0 // seconds, 0 keeps samples forever
	watchMaxKeepSamples = 0   // 0 keeps every sample
)

type categorySpec struct {
	fields        []FieldID
	requiresWatch bool
}

var categories = map[Category]categorySpec{
	CategoryPower: {
		fields:        []FieldID{FieldPowerUsage},
		requiresWatch: false,
	},
	CategoryProfiling: {
		fields:        []FieldID{FieldProfSMActive},
		requiresWatch: true,
	},
}

// watchRegistration is one category's daemon-side state.
type watchRegistration struct {
	category   Category
	fields     []FieldID
	interval   time.Duration
	fieldGroup uintptr
	hasGroup   bool
	watched    bool
}

// EnableWatch enrolls a category for polling. Enabling an already watched
// category is a no-op. A privilege failure is returned as
// *ElevatedAccessError and leaves the category unwatched.
func (s *Session) EnableWatch(c Category) error {
	if s.closed {
		return ErrClosed
	}
	spec, ok := categories[c]
	if !ok {
		return fmt.Errorf("dcgm: unknown watch category %q", c)
	}
	if reg, ok := s.watches[c]; ok && reg.watched {
		return nil
	}

	reg := &watchRegistration{
		category: c,
		fields:   append([]FieldID(nil), spec.fields...),
		interval: watchInterval,
	}

	if !spec.requiresWatch {
		reg.watched = true
		s.track(reg)
		s.logger.Debug("watch enabled", "category", string(c), "daemon_watch", false)
		return nil
	}

	name := s.fieldGroupName(c)
	group, ret := s.lib.FieldGroupCreate(s.handle, reg.fields, name)
	switch {
	case ret == StOK:
	case ret == StDuplicateKey:
		// The daemon leaves the group id unset; the existing group and its
		// watch stay owned by whoever created them.
		reg.watched = true
		s.track(reg)
		s.logger.Debug("field group already exists", "category", string(c), "name", name)
		return nil
	case ret.requiresElevatedAccess():
		return &ElevatedAccessError{Context: fmt.Sprintf("create field group %q", name), Code: ret}
	default:
		return apiError("dcgmFieldGroupCreate", ret)
	}
	reg.fieldGroup = group
	reg.hasGroup = true

	ret = s.lib.WatchFields(s.handle, groupAllGPUs, group, reg.interval.Microseconds(), watchMaxKeepAge, watchMaxKeepSamples)
	if ret != StOK {
		if dret := s.lib.FieldGroupDestroy(s.handle, group); dret != StOK {
			s.logger.Debug("destroy field group after failed watch", "category", string(c), "status", dret.String())
		}
		if ret.requiresElevatedAccess() {
			return &ElevatedAccessError{Context: fmt.Sprintf("watch %s fields", c), Code: ret}
		}
		return apiError("dcgmWatchFields", ret)
	}

	reg.watched = true
	s.track(reg)
	s.logger.Debug("watch enabled", "category", string(c), "daemon_watch", true, "interval", reg.interval)
	return nil
}

// Watched reports whether c is currently enrolled.
func (s *Session) Watched(c Category) bool {
	reg, ok := s.watches[c]
	return ok && reg.watched
}

func (s *Session) track(reg *watchRegistration) {
	if _, exists := s.watches[reg.category]; !exists {
		s.watchOrder = append(s.watchOrder, reg.category)
	}
	s.watches[reg.category] = reg
}

// fieldGroupName qualifies the group by pid so concurrent processes sharing
// a host engine do not collide.
func (s *Session) fieldGroupName(c Category) string {
	return fmt.Sprintf("%s_%d_%s", s.groupPrefix, os.Getpid(), c)
}

// releaseWatches unwatches every registration and only then destroys the
// field groups. Failures are logged and do not stop the remaining steps.
func (s *Session) releaseWatches() {
	for _, c := range s.watchOrder {
		reg := s.watches[c]
		if !reg.watched || !reg.hasGroup {
			continue
		}
		if ret := s.lib.UnwatchFields(s.handle, groupAllGPUs, reg.fieldGroup); ret != StOK {
			s.logger.Warn("unwatch fields failed", "category", string(c), "status", ret.String())
		}
	}
	for _, c := range s.watchOrder {
		reg := s.watches[c]
		if !reg.hasGroup {
			continue
		}
		if ret := s.lib.FieldGroupDestroy(s.handle, reg.fieldGroup); ret != StOK {
			s.logger.Warn("destroy field group failed", "category", string(c), "status", ret.String())
		}
	}
	clear(s.watches)
	s.watchOrder = nil
}
