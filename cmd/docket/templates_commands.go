package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/pitabwire/docket/internal/definition"
)

func newTemplatesCommand(ctx *commandContext) *cobra.Command {
	templatesCmd := &cobra.Command{
		Use:   "templates",
		Short: "Workflow template utilities",
	}

	templatesCmd.AddCommand(newTemplatesValidateCommand(ctx))
	templatesCmd.AddCommand(newTemplatesPublishCommand(ctx))
	templatesCmd.AddCommand(newTemplatesSetActiveCommand(ctx))

	return templatesCmd
}

func newTemplatesValidateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [dir...]",
		Short: "Validate workflow template files",
		Long:  "Validate workflow template files in the given directories, or in the configured template directories.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			tpls, verrs, err := loadTemplates(cfg, args)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, ve := range verrs {
				fmt.Fprintf(out, "%s [%s]\n", ve.Error(), ve.Code)
			}
			if len(verrs) > 0 {
				return fmt.Errorf("%d validation error(s) in %d template(s)", len(verrs), len(tpls))
			}
			for _, tpl := range tpls {
				fmt.Fprintf(out, "%s v%d: %d stage(s) (%s)\n", tpl.Key, tpl.Version, len(tpl.Stages), tpl.SourceFile)
			}
			fmt.Fprintf(out, "%d template(s) valid\n", len(tpls))
			return nil
		},
	}
}

func newTemplatesPublishCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "publish [dir...]",
		Short: "Publish workflow templates to the workflow store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			tpls, verrs, err := loadTemplates(cfg, args)
			if err != nil {
				return err
			}
			if len(verrs) > 0 {
				for _, ve := range verrs {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s [%s]\n", ve.Error(), ve.Code)
				}
				return fmt.Errorf("%d validation error(s); nothing published", len(verrs))
			}

			store, closeStore, err := openStore(cmd.Context(), cfg.Store, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			published, err := definition.NewPublisher(store, logger, nil).Publish(cmd.Context(), tpls)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, tpl := range published {
				fmt.Fprintf(out, "%s v%d: %s\n", tpl.Key, tpl.Version, tpl.ID)
			}
			fmt.Fprintf(out, "%d template(s) published\n", len(published))
			return nil
		},
	}
}

func newTemplatesSetActiveCommand(ctx *commandContext) *cobra.Command {
	var inactive bool

	cmd := &cobra.Command{
		Use:   "set-active <key> <version>",
		Short: "Enable or disable activation of a published template version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[1])
			if err != nil || version < 1 {
				return fmt.Errorf("version %q must be a positive integer", args[1])
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			store, closeStore, err := openStore(cmd.Context(), cfg.Store, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			tpl, err := definition.NewPublisher(store, logger, nil).SetActive(cmd.Context(), args[0], version, !inactive)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s v%d active=%t\n", tpl.Key, tpl.Version, tpl.IsActive)
			return nil
		},
	}

	cmd.Flags().BoolVar(&inactive, "inactive", false, "Disable activation instead of enabling it")
	return cmd
}
