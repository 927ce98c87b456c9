package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/service-tip-git/attachments/internal/adapter"
)

func newProvisionCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "provision <tenant>",
		Short: "Create the dedicated object store of a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openAdapter(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.Provision(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "tenant=%s instance=%s binding=%s plan=%s\n",
				result.TenantID, result.InstanceID, result.BindingID, result.PlanID)
			return err
		},
	}
}

func newDeprovisionCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "deprovision <tenant>",
		Short: "Remove every stored object of a tenant",
		Long: "Remove every stored object of a tenant. In shared mode the objects under the " +
			"tenant prefix are deleted; in separate mode the tenant's instance and bindings are deleted.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openAdapter(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			deleted, err := a.Deprovision(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "tenant=%s deleted_objects=%d\n", args[0], deleted)
			return err
		},
	}
}

func openAdapter(cmd *cobra.Command, opts *rootOptions) (*adapter.Adapter, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	return adapter.New(cmd.Context(), cfg)
}
