package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Mindburn-Labs/warden/pkg/appeal"
	"github.com/Mindburn-Labs/warden/pkg/audit"
	"github.com/Mindburn-Labs/warden/pkg/auth"
	"github.com/Mindburn-Labs/warden/pkg/config"
	"github.com/Mindburn-Labs/warden/pkg/escalation"
	"github.com/Mindburn-Labs/warden/pkg/globalban"
	"github.com/Mindburn-Labs/warden/pkg/moderation"
	"github.com/Mindburn-Labs/warden/pkg/platform"
	"github.com/Mindburn-Labs/warden/pkg/policy"
)

// newServices is a variable so tests can substitute the platform client.
var newServices = func(ctx context.Context, cfg *config.Config) (*Services, error) {
	return NewServices(ctx, cfg, nil)
}

func withServices(cfg *config.Config, stderr io.Writer, fn func(context.Context, *Services) int) int {
	ctx := context.Background()
	svc, err := newServices(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer svc.Close(ctx)
	return fn(ctx, svc)
}

func printJSON(w io.Writer, v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(data))
}

func usageError(stderr io.Writer, usage string) int {
	_, _ = fmt.Fprintf(stderr, "Usage: %s\n", usage)
	return 2
}

// community resolves a community's display name through the platform,
// falling back to its id when the bridge is unreachable.
func community(ctx context.Context, p platform.Client, id string) platform.Community {
	if list, err := p.Communities(ctx); err == nil {
		for _, c := range list {
			if c.ID == id {
				return c
			}
		}
	}
	return platform.Community{ID: id, Name: id}
}

func runMigrateCmd(cfg *config.Config, stdout, stderr io.Writer) int {
	return withServices(cfg, stderr, func(context.Context, *Services) int {
		_, _ = fmt.Fprintln(stdout, "✅ Schema up to date")
		return 0
	})
}

func runInfractionsCmd(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	const usage = "warden infractions <list|clear> --community <id> --user <id> [--actor <id>] [--json]"
	if len(args) == 0 {
		return usageError(stderr, usage)
	}
	cmd := flag.NewFlagSet("infractions "+args[0], flag.ContinueOnError)
	cmd.SetOutput(stderr)
	communityID := cmd.String("community", "", "Community ID (REQUIRED)")
	userID := cmd.String("user", "", "User ID (REQUIRED)")
	actor := cmd.String("actor", audit.SystemActor, "Actor recorded for the clear")
	jsonOutput := cmd.Bool("json", false, "Output as JSON")
	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}
	if *communityID == "" || *userID == "" {
		return usageError(stderr, usage)
	}

	return withServices(cfg, stderr, func(ctx context.Context, svc *Services) int {
		switch args[0] {
		case "list":
			history, err := svc.Ledger.History(ctx, *communityID, *userID)
			if err != nil {
				_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
				return 1
			}
			if *jsonOutput {
				printJSON(stdout, history)
				return 0
			}
			if len(history) == 0 {
				_, _ = fmt.Fprintln(stdout, "No infractions recorded.")
				return 0
			}
			for _, r := range history {
				_, _ = fmt.Fprintf(stdout, "%s  %-14s rule %-4s %s\n",
					r.Timestamp.Format(time.RFC3339), r.ActionTaken, r.RuleViolated, r.Reasoning)
			}
			return 0
		case "clear":
			c := community(ctx, svc.Platform, *communityID)
			n, err := svc.LedgerAdmin.Clear(ctx, c, *userID, *actor)
			if err != nil {
				_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
				return 1
			}
			_ = svc.Audit.Record(ctx, audit.Event{
				CommunityID: c.ID, ActorID: *actor, TargetUserID: *userID,
				Type: audit.EventAdmin, Action: "CLEAR_INFRACTIONS", Metadata: map[string]any{"cleared": n},
			})
			_, _ = fmt.Fprintf(stdout, "Cleared %d infraction(s) for %s in %s.\n", n, *userID, c.Name)
			return 0
		}
		return usageError(stderr, usage)
	})
}

func runGlobalBanCmd(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	const usage = "warden globalban <add|remove|list> [--user <id>] [--reason <text>] [--actor <id>] [--json]"
	if len(args) == 0 {
		return usageError(stderr, usage)
	}
	cmd := flag.NewFlagSet("globalban "+args[0], flag.ContinueOnError)
	cmd.SetOutput(stderr)
	userID := cmd.String("user", "", "User ID")
	reason := cmd.String("reason", "Globally banned by an administrator.", "Ban reason")
	actor := cmd.String("actor", audit.SystemActor, "Actor recorded for the change")
	jsonOutput := cmd.Bool("json", false, "Output as JSON")
	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}
	if args[0] != "list" && *userID == "" {
		return usageError(stderr, usage)
	}

	report := func(results []globalban.Result) {
		failed := globalban.Failed(results)
		_, _ = fmt.Fprintf(stdout, "Propagated to %d/%d communities.\n", len(results)-len(failed), len(results))
		for _, r := range failed {
			_, _ = fmt.Fprintf(stdout, "  - %s: %v\n", r.CommunityID, r.Err)
		}
	}

	return withServices(cfg, stderr, func(ctx context.Context, svc *Services) int {
		switch args[0] {
		case "list":
			entries, err := svc.Registry.List(ctx)
			if err != nil {
				_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
				return 1
			}
			if *jsonOutput {
				printJSON(stdout, entries)
				return 0
			}
			for _, e := range entries {
				_, _ = fmt.Fprintf(stdout, "%s  %s  by %s: %s\n", e.UserID, e.BannedAt.Format(time.RFC3339), e.BannedBy, e.Reason)
			}
			return 0
		case "add":
			results, err := svc.Enforcer.Ban(ctx, globalban.Entry{UserID: *userID, Reason: *reason, BannedBy: *actor}, "")
			if err != nil {
				_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
				return 1
			}
			_ = svc.Audit.Record(ctx, audit.Event{ActorID: *actor, TargetUserID: *userID, Type: audit.EventGlobalBan, Action: "ADD", Reason: *reason})
			_, _ = fmt.Fprintf(stdout, "✅ %s globally banned.\n", *userID)
			report(results)
			return 0
		case "remove":
			existed, results, err := svc.Enforcer.Unban(ctx, *userID, "Global ban removed by an administrator.")
			if err != nil {
				_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
				return 1
			}
			if !existed {
				_, _ = fmt.Fprintf(stderr, "%s is not globally banned.\n", *userID)
				return 1
			}
			_ = svc.Audit.Record(ctx, audit.Event{ActorID: *actor, TargetUserID: *userID, Type: audit.EventGlobalBan, Action: "REMOVE"})
			_, _ = fmt.Fprintf(stdout, "✅ Global ban on %s removed.\n", *userID)
			report(results)
			return 0
		}
		return usageError(stderr, usage)
	})
}

func runPolicyCmd(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	const usage = "warden policy <set|check> [--community <id> --action <ACTION> --mode <automatic|manual>] [--rule <expr>]"
	if len(args) == 0 {
		return usageError(stderr, usage)
	}
	cmd := flag.NewFlagSet("policy "+args[0], flag.ContinueOnError)
	cmd.SetOutput(stderr)
	communityID := cmd.String("community", "", "Community ID")
	actionFlag := cmd.String("action", "", "Action kind, e.g. BAN")
	modeFlag := cmd.String("mode", "", "automatic or manual")
	rule := cmd.String("rule", "", "Escalation rule expression to check")
	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}

	switch args[0] {
	case "check":
		if *rule == "" {
			return usageError(stderr, usage)
		}
		engine, err := policy.NewEngine()
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		if err := engine.Validate(*rule); err != nil {
			_, _ = fmt.Fprintf(stdout, "❌ %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintln(stdout, "✅ Rule compiles")
		return 0
	case "set":
		action, err := moderation.ParseActionKind(*actionFlag)
		if err != nil || *communityID == "" {
			return usageError(stderr, usage)
		}
		mode, err := moderation.ParseConfirmationMode(*modeFlag)
		if err != nil {
			return usageError(stderr, usage)
		}
		return withServices(cfg, stderr, func(ctx context.Context, svc *Services) int {
			if err := svc.Communities.SetConfirmationMode(ctx, *communityID, action, mode); err != nil {
				_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
				return 1
			}
			_, _ = fmt.Fprintf(stdout, "%s in %s is now %s.\n", action, *communityID, mode)
			return 0
		})
	}
	return usageError(stderr, usage)
}

func runConfirmCmd(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	const usage = "warden confirm <list|resolve> [--id <id> --decision <confirm|deny> --resolver <id> [--admin] [--permissions a,b]] [--json]"
	if len(args) == 0 {
		return usageError(stderr, usage)
	}
	cmd := flag.NewFlagSet("confirm "+args[0], flag.ContinueOnError)
	cmd.SetOutput(stderr)
	id := cmd.String("id", "", "Confirmation ID")
	decisionFlag := cmd.String("decision", "", "confirm or deny")
	resolverID := cmd.String("resolver", "", "Resolving moderator's user ID")
	admin := cmd.Bool("admin", false, "Resolver is an administrator")
	perms := cmd.String("permissions", "", "Resolver permissions, comma separated")
	jsonOutput := cmd.Bool("json", false, "Output as JSON")
	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}

	return withServices(cfg, stderr, func(ctx context.Context, svc *Services) int {
		switch args[0] {
		case "list":
			pending, err := svc.Confirmations.ListPending(ctx)
			if err != nil {
				_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
				return 1
			}
			if *jsonOutput {
				printJSON(stdout, pending)
				return 0
			}
			for _, p := range pending {
				_, _ = fmt.Fprintf(stdout, "%s  %-14s <@%s> in %s, expires %s\n",
					p.ID, p.Verdict.Action, p.Message.Author.ID, p.CommunityID, p.ExpiresAt.Format(time.RFC3339))
			}
			return 0
		case "resolve":
			decision, err := escalation.ParseDecision(*decisionFlag)
			if err != nil || *id == "" || *resolverID == "" {
				return usageError(stderr, usage)
			}
			resolver := escalation.Resolver{ID: *resolverID, Administrator: *admin}
			for _, p := range strings.Split(*perms, ",") {
				if p = strings.TrimSpace(p); p != "" {
					resolver.Permissions = append(resolver.Permissions, moderation.Permission(p))
				}
			}
			if err := svc.StartPipeline(ctx); err != nil {
				_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
				return 1
			}
			out, err := svc.Dispatcher.ResolveConfirmation(ctx, *id, resolver, decision)
			if err != nil {
				_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
				if errors.Is(err, escalation.ErrForbiddenResolver) {
					return 3
				}
				return 1
			}
			_, _ = fmt.Fprintf(stdout, "%s: %s (executed: %t)\n", out.State, out.Action, out.Executed)
			if out.Err != nil {
				_, _ = fmt.Fprintf(stdout, "  action failed: %v\n", out.Err)
				return 1
			}
			return 0
		}
		return usageError(stderr, usage)
	})
}

func runAppealCmd(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	const usage = "warden appeal <list|resolve> [--status <pending|accepted|denied>] [--id <id> --decision <accept|deny> --arbiter <id>] [--json]"
	if len(args) == 0 {
		return usageError(stderr, usage)
	}
	cmd := flag.NewFlagSet("appeal "+args[0], flag.ContinueOnError)
	cmd.SetOutput(stderr)
	status := cmd.String("status", "", "Filter by status")
	id := cmd.String("id", "", "Appeal ID")
	decisionFlag := cmd.String("decision", "", "accept or deny")
	arbiter := cmd.String("arbiter", cfg.AppealArbiterUserID, "Resolving arbiter's user ID")
	jsonOutput := cmd.Bool("json", false, "Output as JSON")
	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}

	return withServices(cfg, stderr, func(ctx context.Context, svc *Services) int {
		switch args[0] {
		case "list":
			appeals, err := svc.Appeals.List(ctx, appeal.Status(*status))
			if err != nil {
				_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
				return 1
			}
			if *jsonOutput {
				printJSON(stdout, appeals)
				return 0
			}
			for _, a := range appeals {
				_, _ = fmt.Fprintf(stdout, "%s  %-8s <@%s> %s in %s: %s\n",
					a.ID, a.Status, a.UserID, a.Original.ActionTaken, a.Original.CommunityID, a.Reason)
			}
			return 0
		case "resolve":
			decision, err := appeal.ParseDecision(*decisionFlag)
			if err != nil || *id == "" {
				return usageError(stderr, usage)
			}
			res, err := svc.Appeals.Resolve(ctx, *id, decision, *arbiter)
			if err != nil {
				_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
				return 1
			}
			_, _ = fmt.Fprintf(stdout, "Appeal %s %s.\n", res.Appeal.ID, res.Appeal.Status)
			if res.Appeal.Status == appeal.StatusAccepted && !res.Reverted {
				_, _ = fmt.Fprintf(stdout, "  revert failed: %v\n", res.RevertErr)
				return 1
			}
			return 0
		}
		return usageError(stderr, usage)
	})
}

func runDecisionsCmd(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("decisions", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	communityID := cmd.String("community", "", "Community ID (REQUIRED)")
	limit := cmd.Int("limit", 20, "Maximum records")
	offset := cmd.Int("offset", 0, "Records to skip")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *communityID == "" || *limit < 0 || *offset < 0 {
		return usageError(stderr, "warden decisions --community <id> [--limit n] [--offset n]")
	}

	return withServices(cfg, stderr, func(ctx context.Context, svc *Services) int {
		records, err := svc.Decisions.List(ctx, *communityID, *limit, *offset)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		printJSON(stdout, records)
		return 0
	})
}

func runTokenCmd(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("token", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	subject := cmd.String("subject", "", "Token subject, usually a user ID (REQUIRED)")
	roles := cmd.String("roles", "admin", "Comma separated roles")
	ttl := cmd.Duration("ttl", 24*time.Hour, "Token lifetime")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *subject == "" {
		return usageError(stderr, "warden token --subject <id> [--roles admin,bridge] [--ttl 24h]")
	}

	var list []string
	for _, r := range strings.Split(*roles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			list = append(list, r)
		}
	}
	token, err := auth.Issue(cfg.JWTSecret, *subject, list, *ttl)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, token)
	return 0
}
