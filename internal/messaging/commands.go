package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/BTreeMap/GateCoach/internal/models"
)

// startMessage is processed as the first turn when a user sends /start.
const startMessage = "hey"

const (
	helpText = `/start - begin
/clear - reset everything
/stats - see your info
/help - this`

	adminHelpText = `

ADMIN:
/limit <user_id> <per_min> <per_hour> - set user limits
/limit <user_id> - view user limits
/unlimit <user_id> - remove custom limits
/users - list users with custom limits`

	notAuthorized = "not authorized"
	limitUsage    = "usage: /limit <user_id> [per_min] [per_hour]"
	invalidLimit  = "invalid numbers. usage: /limit <user_id> <per_min> <per_hour>"
)

type command func(ctx context.Context, msg models.InboundMessage, args []string) string

func (rh *ResponseHandler) commands() map[string]command {
	return map[string]command{
		"start":   rh.cmdStart,
		"clear":   rh.cmdClear,
		"stats":   rh.cmdStats,
		"help":    rh.cmdHelp,
		"limit":   rh.adminOnly(rh.cmdLimit),
		"unlimit": rh.adminOnly(rh.cmdUnlimit),
		"users":   rh.adminOnly(rh.cmdUsers),
	}
}

// parseCommand splits "/limit 42 5 50" into "limit" and its arguments.
// A "@botname" suffix on the command is ignored.
func parseCommand(text string) (string, []string) {
	fields := strings.Fields(text)
	name := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	return name, fields[1:]
}

func (rh *ResponseHandler) isAdmin(userID string) bool {
	return rh.opts.AdminUserID != "" && userID == rh.opts.AdminUserID
}

func (rh *ResponseHandler) adminOnly(next command) command {
	return func(ctx context.Context, msg models.InboundMessage, args []string) string {
		if !rh.isAdmin(msg.From) || rh.limiter == nil {
			slog.Warn("ResponseHandler.adminOnly: rejected admin command", "userID", msg.From)
			return notAuthorized
		}
		return next(ctx, msg, args)
	}
}

func (rh *ResponseHandler) cmdStart(ctx context.Context, msg models.InboundMessage, _ []string) string {
	return rh.coach.ProcessMessage(ctx, msg.From, startMessage, msg.Name).Reply
}

func (rh *ResponseHandler) cmdClear(ctx context.Context, msg models.InboundMessage, _ []string) string {
	if err := rh.coach.ClearUser(ctx, msg.From); err != nil {
		slog.Error("ResponseHandler.cmdClear: clear failed", "error", err, "userID", msg.From)
		return "error clearing data. try again"
	}
	return "cleared. /start to begin again"
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func (rh *ResponseHandler) cmdStats(ctx context.Context, msg models.InboundMessage, _ []string) string {
	stats, err := rh.coach.Stats(ctx, msg.From)
	if err != nil {
		slog.Error("ResponseHandler.cmdStats: stats failed", "error", err, "userID", msg.From)
		return "couldn't load your stats. try again"
	}
	return fmt.Sprintf("name: %s\ncommitment: %s\ndeadline: %s\nmessages: %d",
		orDefault(stats.Name, "unknown"),
		orDefault(stats.Commitment, "none"),
		orDefault(stats.Deadline, "none"),
		stats.MessageCount)
}

func (rh *ResponseHandler) cmdHelp(_ context.Context, msg models.InboundMessage, _ []string) string {
	if rh.isAdmin(msg.From) {
		return helpText + adminHelpText
	}
	return helpText
}

func (rh *ResponseHandler) cmdLimit(_ context.Context, _ models.InboundMessage, args []string) string {
	if len(args) == 0 {
		return limitUsage
	}
	target := args[0]

	if len(args) == 1 {
		limits := rh.limiter.GetLimits(target)
		if limits.Unlimited {
			return fmt.Sprintf("user: %s\nunlimited (admin)", target)
		}
		custom := "no (default)"
		if limits.Custom {
			custom = "yes"
		}
		return fmt.Sprintf("user: %s\nper_minute: %d\nper_hour: %d\ncustom: %s",
			target, limits.PerMinute, limits.PerHour, custom)
	}

	perMinute, err := parseLimitArg(args, 1)
	if err != nil {
		return invalidLimit
	}
	perHour, err := parseLimitArg(args, 2)
	if err != nil {
		return invalidLimit
	}
	if err := rh.limiter.SetLimit(target, perMinute, perHour); err != nil {
		if errors.Is(err, models.ErrInvalidLimit) {
			return invalidLimit
		}
		return "couldn't set limits: " + err.Error()
	}
	return fmt.Sprintf("set limits for %s:\nper_minute: %s\nper_hour: %s",
		target, describeLimit(perMinute), describeLimit(perHour))
}

func parseLimitArg(args []string, i int) (*int, error) {
	if len(args) <= i {
		return nil, nil
	}
	n, err := strconv.Atoi(args[i])
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func describeLimit(v *int) string {
	if v == nil {
		return "unchanged"
	}
	return strconv.Itoa(*v)
}

func (rh *ResponseHandler) cmdUnlimit(_ context.Context, _ models.InboundMessage, args []string) string {
	if len(args) == 0 {
		return "usage: /unlimit <user_id>"
	}
	rh.limiter.RemoveLimit(args[0])
	return fmt.Sprintf("removed custom limits for %s (now using defaults)", args[0])
}

func (rh *ResponseHandler) cmdUsers(_ context.Context, _ models.InboundMessage, _ []string) string {
	overrides := rh.limiter.ListLimits()
	if len(overrides) == 0 {
		return "no users with custom limits"
	}
	lines := []string{"users with custom limits:"}
	for _, id := range slices.Sorted(maps.Keys(overrides)) {
		o := overrides[id]
		lines = append(lines, fmt.Sprintf("  %s: %s/min, %s/hr", id, describeOverride(o.PerMinute), describeOverride(o.PerHour)))
	}
	return strings.Join(lines, "\n")
}

func describeOverride(v *int) string {
	if v == nil {
		return "default"
	}
	return strconv.Itoa(*v)
}
