// fedctl is the operator CLI of a linkfed instance. It works on the same
// database as the server, so it can run while the server is up.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/deemkeen/linkfed/activitypub"
	"github.com/deemkeen/linkfed/db"
	"github.com/deemkeen/linkfed/domain"
	"github.com/deemkeen/linkfed/util"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

const usage = `Usage: fedctl <command> [flags]

Commands:
  queue [domain]                    show the outbound delivery state per instance
  policy                            show the effective instance policy
  block <domain> [--reason] [--for] block an instance
  unblock <domain>                  remove a block
  allow <domain>                    add an instance to the allow-list
  disallow <domain>                 remove an instance from the allow-list
  create-actor <name> [--community] [--display-name]
                                    create a local person or community
`

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		fmt.Fprint(out, usage)
		return nil
	}

	conf, err := util.ReadConf()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, conf, out)
	if err != nil {
		return err
	}
	defer a.close()
	return a.dispatch(ctx, args)
}

type app struct {
	conf     *util.AppConfig
	db       *db.DB
	fed      *activitypub.Federation
	delivery activitypub.DeliverySettings
	redis    *redis.Client
	out      io.Writer
	now      func() time.Time
}

func newApp(ctx context.Context, conf *util.AppConfig, out io.Writer) (*app, error) {
	database, err := db.Open(ctx, util.ResolveFilePath(conf.Conf.DatabasePath), zap.NewNop().Sugar())
	if err != nil {
		return nil, err
	}

	a := &app{
		conf:     conf,
		db:       database,
		delivery: activitypub.DeliverySettingsFromConfig(conf),
		out:      out,
		now:      time.Now,
	}

	cache := activitypub.NewMemoryPolicyCache()
	if conf.Conf.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: conf.Conf.RedisAddr})
		cache = activitypub.NewRedisPolicyCache(a.redis, activitypub.DefaultPolicyCacheKey)
	}
	policy := activitypub.NewInstancePolicy(activitypub.PolicyOptions{
		LocalHost: conf.Conf.SslDomain,
		Enabled:   conf.Federation.Enabled,
		Allowed:   conf.Federation.AllowedInstances,
		Blocked:   conf.Federation.BlockedInstances,
		Source:    database,
		Cache:     cache,
		TTL:       conf.PolicyCacheTTL(),
	})
	settings := activitypub.SettingsFromConfig(conf)
	a.fed = activitypub.New(settings, database, policy, &http.Client{Timeout: settings.HTTPTimeout}, zap.NewNop().Sugar())
	return a, nil
}

func (a *app) close() {
	if a.redis != nil {
		a.redis.Close()
	}
	a.db.Close()
}

func (a *app) dispatch(ctx context.Context, args []string) error {
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "queue":
		return a.queue(ctx, rest)
	case "policy":
		return a.policy(ctx, rest)
	case "block":
		return a.block(ctx, rest)
	case "unblock":
		return a.policyChange(ctx, rest, "unblock", a.db.UnblockInstance)
	case "allow":
		return a.policyChange(ctx, rest, "allow", a.db.AllowInstance)
	case "disallow":
		return a.policyChange(ctx, rest, "disallow", a.db.DisallowInstance)
	case "create-actor":
		return a.createActor(ctx, rest)
	default:
		return fmt.Errorf("unknown command %q\n\n%s", cmd, usage)
	}
}

// parse parses flags and requires exactly want positional arguments.
func parse(fs *pflag.FlagSet, args []string, want int) ([]string, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() != want {
		return nil, fmt.Errorf("%s: expected %d argument(s), got %d", fs.Name(), want, fs.NArg())
	}
	return fs.Args(), nil
}

func (a *app) queue(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("queue", pflag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	var states []domain.FederationQueueState
	switch fs.NArg() {
	case 0:
		all, err := a.db.ReadQueueStates(ctx)
		if err != nil {
			return err
		}
		states = all
	case 1:
		s, err := a.db.ReadQueueState(ctx, strings.ToLower(fs.Arg(0)))
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("no deliveries to %s", fs.Arg(0))
		}
		if err != nil {
			return err
		}
		states = []domain.FederationQueueState{*s}
	default:
		return fmt.Errorf("queue: expected at most one domain")
	}
	fmt.Fprint(a.out, renderQueue(states, a.delivery.BaseRetryDelay, a.delivery.MaxRetryDelay))
	return nil
}

func (a *app) policy(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("policy", pflag.ContinueOnError)
	if _, err := parse(fs, args, 0); err != nil {
		return err
	}
	if !a.conf.Federation.Enabled {
		fmt.Fprintln(a.out, statusStyle.Render("Federation is disabled."))
	}
	snap, err := a.fed.Policy.Snapshot(ctx)
	if err != nil {
		return err
	}
	fmt.Fprint(a.out, renderPolicy(snap, a.now()))
	return nil
}

func (a *app) block(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("block", pflag.ContinueOnError)
	reason := fs.String("reason", "", "why the instance is blocked")
	duration := fs.Duration("for", 0, "block for this long, e.g. 720h (default: forever)")
	pos, err := parse(fs, args, 1)
	if err != nil {
		return err
	}

	block := &domain.InstanceBlock{Domain: strings.ToLower(pos[0]), Reason: *reason}
	if *duration > 0 {
		expires := a.now().Add(*duration)
		block.Expires = &expires
	}
	if err := a.db.BlockInstance(ctx, block); err != nil {
		return err
	}
	if err := a.fed.Policy.Invalidate(ctx); err != nil {
		return fmt.Errorf("blocked %s, but the policy cache could not be cleared: %w", block.Domain, err)
	}
	fmt.Fprintln(a.out, statusStyle.Render("Blocked "+block.Domain))
	return nil
}

func (a *app) policyChange(ctx context.Context, args []string, name string, change func(context.Context, string) error) error {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	pos, err := parse(fs, args, 1)
	if err != nil {
		return err
	}
	host := strings.ToLower(pos[0])
	if err := change(ctx, host); err != nil {
		return err
	}
	if err := a.fed.Policy.Invalidate(ctx); err != nil {
		return fmt.Errorf("%s %s done, but the policy cache could not be cleared: %w", name, host, err)
	}
	fmt.Fprintln(a.out, statusStyle.Render(fmt.Sprintf("%s %s: done", name, host)))
	return nil
}

func (a *app) createActor(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("create-actor", pflag.ContinueOnError)
	community := fs.Bool("community", false, "create a community instead of a person")
	displayName := fs.String("display-name", "", "display name (default: the name)")
	pos, err := parse(fs, args, 1)
	if err != nil {
		return err
	}

	typ := domain.ActorPerson
	if *community {
		typ = domain.ActorGroup
	}
	name := *displayName
	if name == "" {
		name = pos[0]
	}
	actor, err := a.fed.CreateLocalActor(ctx, pos[0], typ, name)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, statusStyle.Render(fmt.Sprintf("Created %s %s", actor.Type, actor.ActorURI)))
	return nil
}
