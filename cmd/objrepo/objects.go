package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tunnelmesh/objrepo/internal/repo"
)

// withRepo opens the app, resolves the repository of args[0] and runs fn.
func withRepo(v *viper.Viper, args []string, fn func(r *repo.Repository) error) (err error) {
	a, err := openApp(v)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); err == nil {
			err = cerr
		}
	}()

	r, err := a.repository(args[0])
	if err != nil {
		return err
	}
	return fn(r)
}

func readOptions(v *viper.Viper) repo.ReadOptions {
	return repo.ReadOptions{Removed: v.GetBool("removed"), NoRedact: v.GetBool("no-redact")}
}

func addReadFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("removed", false, "include removed objects")
	cmd.Flags().Bool("no-redact", false, "show secret fields")
}

func newCreateCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "create <type> <json|->",
		Short: "Create an object",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			obj, err := readObject(args[1], cmd.InOrStdin())
			if err != nil {
				return err
			}
			return withRepo(v, args, func(r *repo.Repository) error {
				created, err := r.Create(cmd.Context(), obj)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), created)
			})
		},
	}
}

func newGetCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <type> <id>",
		Short: "Show the newest version of an object",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(v, args, func(r *repo.Repository) error {
				obj, err := r.FindByID(cmd.Context(), args[1], readOptions(v))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), obj)
			})
		},
	}
	addReadFlags(cmd)
	return cmd
}

func newExistsCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "exists <type> <id>",
		Short: "Print whether a live object exists",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(v, args, func(r *repo.Repository) error {
				ok, err := r.Exists(cmd.Context(), args[1])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), ok)
			})
		},
	}
}

func newUpdateCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <type> <json|->",
		Short: "Merge changes into an object",
		Long: `Merge changes into an object.

The object must identify itself, either with its id field or a "_meta" block,
and name the version it was read at, either in "_meta.version" or with
--expect-version. The update fails if the object has changed since.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			obj, err := readObject(args[1], cmd.InOrStdin())
			if err != nil {
				return err
			}
			return withRepo(v, args, func(r *repo.Repository) error {
				updated, err := r.UpdateWithOptions(cmd.Context(), obj, repo.UpdateOptions{
					ExpectedVersion: v.GetString("expect-version"),
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), updated)
			})
		},
	}
	cmd.Flags().String("expect-version", "", "version the changes were made against")
	return cmd
}

func newRemoveCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <type> <id> <version>",
		Aliases: []string{"rm"},
		Short:   "Replace an object with a tombstone",
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(v, args, func(r *repo.Repository) error {
				tomb, err := r.Remove(cmd.Context(), args[1], args[2])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), tomb)
			})
		},
	}
}

func newPurgeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge <type> <id>",
		Short: "Delete every version of a removed object",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(v, args, func(r *repo.Repository) error {
				return r.Purge(cmd.Context(), args[1], repo.PurgeOptions{Force: v.GetBool("force")})
			})
		},
	}
	cmd.Flags().Bool("force", false, "purge objects that were not removed first")
	return cmd
}

func newFindCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "find <type>",
		Aliases: []string{"ls"},
		Short:   "List every object of a type",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(v, args, func(r *repo.Repository) error {
				opts := readOptions(v)
				objs, err := r.Find(cmd.Context(), repo.FindOptions{Removed: opts.Removed, NoRedact: opts.NoRedact})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), nonNil(objs))
			})
		},
	}
	addReadFlags(cmd)
	return cmd
}

func newFindByCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "find-by <type> <field> <value>",
		Short: "List objects by an indexed field",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(v, args, func(r *repo.Repository) error {
				objs, err := r.FindBy(cmd.Context(), args[1], args[2], repo.FindByOptions{
					FindOptions: repo.FindOptions{NoRedact: v.GetBool("no-redact")},
					First:       v.GetBool("first"),
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), nonNil(objs))
			})
		},
	}
	cmd.Flags().Bool("first", false, "stop at the first match")
	cmd.Flags().Bool("no-redact", false, "show secret fields")
	return cmd
}

func newVersionsCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "versions <type> <id>",
		Short: "Show the stored versions of an object on each backend",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(v, args, func(r *repo.Repository) error {
				history, err := r.FindVersionsByID(cmd.Context(), args[1], repo.ReadOptions{NoRedact: v.GetBool("no-redact")})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), viewVersions(history))
			})
		},
	}
	cmd.Flags().Bool("no-redact", false, "show secret fields")
	return cmd
}
