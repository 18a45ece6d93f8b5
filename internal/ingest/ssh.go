package ingest

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"idguard/internal/config"
	"idguard/internal/model"
	"idguard/internal/normalize"
)

var (
	reSSHFailed   = regexp.MustCompile(`Failed (?:password|publickey|keyboard-interactive(?:/pam)?) for (?:invalid user )?(\S+) from (\S+)`)
	reSSHAccepted = regexp.MustCompile(`Accepted (?:password|publickey|keyboard-interactive(?:/pam)?) for (\S+) from (\S+)`)
	reTimestamp   = regexp.MustCompile(`^\s*([0-9]{4}-[0-9]{2}-[0-9]{2}[ T][0-9:.]+(?:Z|[+-][0-9:]+)?)`)
	reSyslogTS    = regexp.MustCompile(`^\s*(?:<\d+>)?([A-Za-z]{3}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2})`)
)

// SSHParser turns sshd authentication lines into events. The host has no
// directory data for the account, so identity attributes are fixed.
type SSHParser struct {
	loc         *time.Location
	markAnomaly bool
	now         func() time.Time
}

func NewSSHParser(cfg *config.Config) *SSHParser {
	loc := time.UTC
	if cfg.Ingest.Parser.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Ingest.Parser.Timezone); err == nil {
			loc = l
		}
	}
	return &SSHParser{loc: loc, markAnomaly: cfg.Ingest.SSH.MarkAnomaly, now: time.Now}
}

func (p *SSHParser) ParseLine(line string) (model.NormalizedEvent, bool) {
	failed := true
	m := reSSHFailed.FindStringSubmatch(line)
	if m == nil {
		failed = false
		m = reSSHAccepted.FindStringSubmatch(line)
	}
	if m == nil {
		return model.NormalizedEvent{}, false
	}
	ts := p.lineTime(line).In(p.loc)
	ev := model.NormalizedEvent{
		UserID:              m[1],
		Role:                "employee",
		Department:          "it",
		PrivilegeLevel:      1,
		AuthType:            "ssh",
		Timestamp:           ts.UTC(),
		HourOfDay:           ts.Hour(),
		DayOfWeek:           (int(ts.Weekday()) + 6) % 7,
		Country:             "Unknown",
		DeviceType:          "unknown",
		ResourceName:        "SSH",
		ResourceType:        "server",
		ResourceSensitivity: 4,
		AccessAction:        "login",
		IP:                  strings.TrimSpace(m[2]),
		Source:              model.SourceSSH,
	}
	if failed {
		ev.LoginResult = "failed"
		ev.AccessResult = "failed"
		ev.FailedAttemptsBeforeSuccess = 1
		ev.MLAnomaly = p.markAnomaly
		ev.Violation = model.ViolationSSHFailedLogin
	} else {
		ev.LoginResult = "success"
		ev.AccessResult = "success"
		ev.Violation = model.ViolationSSHLogin
	}
	return ev, true
}

// lineTime uses the log line's own timestamp when it has one.
func (p *SSHParser) lineTime(line string) time.Time {
	for _, re := range []*regexp.Regexp{reTimestamp, reSyslogTS} {
		if m := re.FindStringSubmatch(line); m != nil {
			if ts, err := normalize.ParseTimestamp(m[1], p.loc); err == nil {
				return ts
			}
		}
	}
	return p.now()
}

// StartSSH tails every configured auth log. Open failures are retried since
// auth logs are rotated and may be briefly absent.
func StartSSH(ctx context.Context, cfg *config.Manager, out chan<- model.NormalizedEvent, logger *slog.Logger) {
	current := cfg.Get().Ingest.SSH
	if !current.Enabled {
		if logger != nil {
			logger.Info("ssh ingest disabled")
		}
		return
	}
	parser := NewSSHParser(cfg.Get())
	for _, path := range current.Files {
		path := path
		if logger != nil {
			logger.Info("ssh ingest enabled", "path", path, "start_at_end", current.StartAtEnd)
		}
		go func() {
			_ = Tail(ctx, TailConfig{Path: path, StartAtEnd: current.StartAtEnd, PollInterval: current.PollInterval}, func(line string) {
				if ev, ok := parser.ParseLine(line); ok {
					SendNonBlocking(ctx, out, ev, logger)
				}
			}, logger)
		}()
	}
}
