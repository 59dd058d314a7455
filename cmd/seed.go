package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/skyhive/skyhive/internal/clock/system"
	frontierpostgres "github.com/skyhive/skyhive/internal/frontier/postgres"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newSeedCmd creates and configures the 'seed' subcommand. It inserts
// starting entities straight into the shared frontier so the pipeline has a
// follow graph to walk from.
func newSeedCmd() *cobra.Command {
	var fromFile string

	cmd := &cobra.Command{
		Use:   "seed [handle|did ...]",
		Short: "Adds starting entities to the frontier",
		Long: `Inserts handles or DIDs into the frontier in discovered status. Accepts
subjects as arguments or one per line via --file (blank lines and # comments
are skipped). The subject becomes the entity's permanent id: a handle-seeded
row stays keyed by the handle, so seed DIDs when the same account may also
arrive through discovery.

Requires the postgres frontier backend; with the in-memory backend the
frontier lives inside the running service, so seed through its HTTP API
(POST /v1/entities) instead.`,

		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := resolveDeps(cmd.Context())
			if err != nil {
				return err
			}

			subjects := append([]string(nil), args...)
			if fromFile != "" {
				fileSubjects, err := readSubjects(fromFile)
				if err != nil {
					return err
				}
				subjects = append(subjects, fileSubjects...)
			}
			if len(subjects) == 0 {
				return fmt.Errorf("no subjects given; pass them as arguments or via --file")
			}

			if d.cfg.Frontier.Backend != "postgres" {
				return fmt.Errorf("seed needs the postgres frontier backend; the %s backend is process-local, use POST /v1/entities on the running service",
					d.cfg.Frontier.Backend)
			}

			ctx := cmd.Context()
			store, err := frontierpostgres.NewStore(ctx, frontierpostgres.Config{
				DSN:         d.cfg.Frontier.DSN,
				Table:       d.cfg.Frontier.Table,
				RetryBudget: d.cfg.Frontier.RetryBudget,
				MaxConns:    int32(d.cfg.Frontier.MaxConns),
				MinConns:    int32(d.cfg.Frontier.MinConns),
			}, system.New())
			if err != nil {
				return fmt.Errorf("connect frontier: %w", err)
			}
			defer store.Close()
			if err := store.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("ensure frontier schema: %w", err)
			}

			inserted := 0
			for _, subject := range subjects {
				id, handle := splitSubject(subject)
				ok, err := store.AddIfAbsent(ctx, id, handle)
				if err != nil {
					return fmt.Errorf("seed %s: %w", subject, err)
				}
				if ok {
					inserted++
				}
			}
			d.logger.Info("frontier seeded",
				zap.Int("submitted", len(subjects)),
				zap.Int("inserted", inserted))
			return nil
		},
	}

	cmd.Flags().StringVar(&fromFile, "file", "", "file with one handle or DID per line")

	return cmd
}

// splitSubject maps a CLI subject onto the frontier's (id, handle) pair.
// DIDs are already primary keys; a bare handle doubles as the id and keeps
// that role for the entity's lifetime.
func splitSubject(subject string) (id, handle string) {
	if strings.HasPrefix(subject, "did:") {
		return subject, ""
	}
	return subject, subject
}

func readSubjects(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()

	var subjects []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		subjects = append(subjects, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return subjects, nil
}
