package ingest

import (
	"context"
	"encoding/hex"
	"log/slog"
	"os/user"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"idguard/internal/config"
	"idguard/internal/model"
	"idguard/internal/policy"
)

const maxPendingAudit = 512

var (
	reAuditMsg = regexp.MustCompile(`msg=audit\((\d+)(?:\.(\d+))?:(\d+)\)`)
	reAuditKV  = regexp.MustCompile(`([a-zA-Z_]+)=("[^"]*"|\S+)`)
)

// Authorizer reports whether a user may access a path.
type Authorizer interface {
	IsAllowed(user, path string) bool
}

type UserResolver interface {
	Username(uid string) string
}

// OSUserResolver maps numeric uids through the host user database, falling
// back to uid_<n> for unknown ids.
type OSUserResolver struct {
	mu    sync.Mutex
	cache map[string]string
}

func NewOSUserResolver() *OSUserResolver {
	return &OSUserResolver{cache: map[string]string{}}
}

func (r *OSUserResolver) Username(uid string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name, ok := r.cache[uid]; ok {
		return name
	}
	name := "uid_" + uid
	if u, err := user.LookupId(uid); err == nil && u.Username != "" {
		name = u.Username
	}
	r.cache[uid] = name
	return name
}

type auditSyscall struct {
	ts         time.Time
	uid        string
	comm       string
	permission bool
	cwd        string
}

// AuditParser correlates SYSCALL, CWD and PATH records of one audit event by
// their serial number and emits an event for each protected path the acting
// user is not allowed to touch.
type AuditParser struct {
	resourceKey   string
	permissionKey string
	prefix        string
	authz         Authorizer
	users         UserResolver
	loc           *time.Location

	pending map[string]*auditSyscall
	order   []string
}

func NewAuditParser(cfg config.AuditConfig, authz Authorizer, users UserResolver, loc *time.Location) *AuditParser {
	if loc == nil {
		loc = time.UTC
	}
	if users == nil {
		users = NewOSUserResolver()
	}
	return &AuditParser{
		resourceKey:   cfg.ResourceKey,
		permissionKey: cfg.PermissionKey,
		prefix:        cfg.ProtectedPrefix,
		authz:         authz,
		users:         users,
		loc:           loc,
		pending:       map[string]*auditSyscall{},
	}
}

func (p *AuditParser) ParseLine(line string) (model.NormalizedEvent, bool) {
	m := reAuditMsg.FindStringSubmatch(line)
	if m == nil {
		return model.NormalizedEvent{}, false
	}
	serial := m[3]
	fields := parseAuditFields(line)
	switch fields["type"] {
	case "SYSCALL":
		key := auditString(fields["key"])
		if key == "" || (key != p.resourceKey && key != p.permissionKey) {
			return model.NormalizedEvent{}, false
		}
		if fields["uid"] == "" {
			return model.NormalizedEvent{}, false
		}
		p.remember(serial, &auditSyscall{
			ts:         auditTime(m[1], m[2]),
			uid:        fields["uid"],
			comm:       auditString(fields["comm"]),
			permission: key == p.permissionKey,
		})
	case "CWD":
		if sc, ok := p.pending[serial]; ok {
			sc.cwd = auditString(fields["cwd"])
		}
	case "PATH":
		sc, ok := p.pending[serial]
		if !ok {
			return model.NormalizedEvent{}, false
		}
		name := auditString(fields["name"])
		if name == "" {
			return model.NormalizedEvent{}, false
		}
		if !filepath.IsAbs(name) && sc.cwd != "" {
			name = filepath.Join(sc.cwd, name)
		}
		name = filepath.Clean(name)
		if !underPrefix(name, p.prefix) {
			return model.NormalizedEvent{}, false
		}
		p.forget(serial)
		userID := p.users.Username(sc.uid)
		if p.authz != nil && p.authz.IsAllowed(userID, name) {
			return model.NormalizedEvent{}, false
		}
		return p.event(sc, userID, name), true
	}
	return model.NormalizedEvent{}, false
}

func (p *AuditParser) event(sc *auditSyscall, userID, path string) model.NormalizedEvent {
	ts := sc.ts.In(p.loc)
	ev := model.NormalizedEvent{
		UserID:              userID,
		Role:                "employee",
		Department:          "unknown",
		PrivilegeLevel:      1,
		AuthType:            "local",
		LoginResult:         "success",
		Timestamp:           sc.ts.UTC(),
		HourOfDay:           ts.Hour(),
		DayOfWeek:           (int(ts.Weekday()) + 6) % 7,
		Country:             "Unknown",
		DeviceType:          "server",
		ResourceName:        path,
		ResourceType:        "file",
		ResourceSensitivity: 5,
		AccessAction:        "read",
		AccessResult:        "denied",
		Violation:           model.ViolationResource,
		Source:              model.SourceAuditd,
	}
	if sc.permission {
		ev.AccessAction = "chmod"
		ev.Violation = model.ViolationPermission
	}
	return ev
}

func (p *AuditParser) remember(serial string, sc *auditSyscall) {
	if _, ok := p.pending[serial]; !ok {
		p.order = append(p.order, serial)
	}
	p.pending[serial] = sc
	for len(p.order) > maxPendingAudit {
		delete(p.pending, p.order[0])
		p.order = p.order[1:]
	}
}

func (p *AuditParser) forget(serial string) {
	delete(p.pending, serial)
	for i, s := range p.order {
		if s == serial {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

func parseAuditFields(line string) map[string]string {
	out := map[string]string{}
	for _, match := range reAuditKV.FindAllStringSubmatch(line, -1) {
		key := match[1]
		if _, seen := out[key]; seen {
			continue
		}
		out[key] = match[2]
	}
	return out
}

// auditString decodes an untrusted string field. auditd quotes plain values
// and hex-encodes those containing spaces or control characters.
func auditString(v string) string {
	if strings.HasPrefix(v, `"`) && strings.HasSuffix(v, `"`) && len(v) >= 2 {
		return v[1 : len(v)-1]
	}
	if len(v) >= 2 && len(v)%2 == 0 && isHex(v) {
		if b, err := hex.DecodeString(v); err == nil {
			return string(b)
		}
	}
	return v
}

func isHex(s string) bool {
	for _, c := range s {
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}

func auditTime(sec, frac string) time.Time {
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Now()
	}
	var ms int64
	if frac != "" {
		ms, _ = strconv.ParseInt(frac, 10, 64)
	}
	return time.Unix(s, ms*int64(time.Millisecond))
}

func underPrefix(path, prefix string) bool {
	if prefix == "" {
		return true
	}
	prefix = filepath.Clean(prefix)
	return path == prefix || strings.HasPrefix(path, prefix+string(filepath.Separator))
}

// StartAudit tails the audit log and reports policy violations. A missing
// policy file, or an audit log that cannot be opened or read, stops this
// producer and is reported on errs.
func StartAudit(ctx context.Context, cfg *config.Manager, out chan<- model.NormalizedEvent, errs chan<- error, logger *slog.Logger) {
	current := cfg.Get().Ingest.Audit
	if !current.Enabled {
		if logger != nil {
			logger.Info("audit ingest disabled")
		}
		return
	}
	policies, err := policy.Open(current.PolicyFile, logger)
	if err != nil {
		reportFatal(errs, fatal("auditd", err), logger)
		return
	}
	if err := policies.Watch(ctx); err != nil && logger != nil {
		logger.Warn("policy watch unavailable", "path", current.PolicyFile, "err", err)
	}
	loc := time.UTC
	if tz := cfg.Get().Ingest.Parser.Timezone; tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	parser := NewAuditParser(current, policies, NewOSUserResolver(), loc)
	if logger != nil {
		logger.Info("audit ingest enabled", "path", current.Path, "protected_prefix", current.ProtectedPrefix)
	}
	go func() {
		err := Tail(ctx, TailConfig{Path: current.Path, StartAtEnd: true, PollInterval: current.PollInterval, FailFast: true}, func(line string) {
			if ev, ok := parser.ParseLine(line); ok {
				SendNonBlocking(ctx, out, ev, logger)
			}
		}, logger)
		if err != nil {
			reportFatal(errs, fatal("auditd", err), logger)
		}
	}()
}
