package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/uselight/lightopedia/internal/embed"
	"github.com/uselight/lightopedia/internal/indexer"
	"github.com/uselight/lightopedia/internal/llm"
	"github.com/uselight/lightopedia/internal/policy"
	"github.com/uselight/lightopedia/internal/source"
	"github.com/uselight/lightopedia/internal/store"
)

// newIndexCmd creates the index command.
func newIndexCmd() *cobra.Command {
	var repo string
	var branch string
	var force bool
	var list bool

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Index a documentation repository",
		Long: `Fetch a documentation repository from GitHub, chunk and embed its
markdown files, and store them for retrieval. Only repositories on the
indexing allowlist can be indexed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if list {
				for _, slug := range policy.ListAllowedRepos() {
					fmt.Fprintln(cmd.OutOrStdout(), slug)
				}
				return nil
			}
			if repo == "" {
				return fmt.Errorf("--repo is required (or use --list)")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.OpenAI.APIKey == "" {
				return fmt.Errorf("an OpenAI API key is required for embedding")
			}

			st, err := store.Open(cfg.Store.DataDir)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			model := llm.NewClient(llm.Config{
				BaseURL: cfg.OpenAI.BaseURL,
				APIKey:  cfg.OpenAI.APIKey,
			})
			fetcher := source.NewClient(source.Config{
				BaseURL:       cfg.GitHub.BaseURL,
				Token:         cfg.GitHub.Token,
				AppID:         cfg.GitHub.AppID,
				AppPrivateKey: cfg.GitHub.AppPrivateKey,
			})
			ix := indexer.New(st, embed.NewClient(model), fetcher, cfg.Store.DataDir)

			summary, err := ix.IndexRepo(cmd.Context(), repo, branch, force)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Indexed %s@%s (run %s)\n", summary.Repo, summary.Revision, summary.RunID)
			fmt.Fprintf(out, "  processed: %d documents, %d chunks\n",
				summary.DocumentsProcessed, summary.ChunksCreated)
			fmt.Fprintf(out, "  skipped:   %d\n", summary.Skipped)
			if len(summary.Errors) > 0 {
				fmt.Fprintf(out, "  errors:    %d\n", len(summary.Errors))
				for _, e := range summary.Errors {
					fmt.Fprintf(out, "    %s\n", e)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&repo, "repo", "", "Repository slug, e.g. uselight/help-center")
	cmd.Flags().StringVar(&branch, "branch", "", "Branch to index (defaults to the default branch)")
	cmd.Flags().BoolVar(&force, "force", false, "Reindex files even when the revision is unchanged")
	cmd.Flags().BoolVar(&list, "list", false, "List repositories on the indexing allowlist")

	return cmd
}
