package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ent0n29/memoria/internal/app"
	"github.com/ent0n29/memoria/internal/auth"
	"github.com/ent0n29/memoria/internal/memory"
)

func newUserCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage user accounts",
	}

	var email, password string
	create := &cobra.Command{
		Use:   "create",
		Short: "Register a user with an empty profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withAuth(cmd.Context(), func(ctx context.Context, svc *auth.Service) error {
				u, err := svc.Register(ctx, email, password)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created user %s (%s)\n", u.Email, u.ID)
				return nil
			})
		},
	}
	create.Flags().StringVar(&email, "email", "", "Email address (required)")
	create.Flags().StringVar(&password, "password", "", "Password (required)")
	_ = create.MarkFlagRequired("email")
	_ = create.MarkFlagRequired("password")

	cmd.AddCommand(create, setActiveCmd(c, "enable", true), setActiveCmd(c, "disable", false))
	return cmd
}

func setActiveCmd(c *cli, use string, active bool) *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   use,
		Short: fmt.Sprintf("%s a user account", use),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withAuth(cmd.Context(), func(ctx context.Context, svc *auth.Service) error {
				u, err := svc.SetActive(ctx, email, active)
				if err != nil {
					if errors.Is(err, memory.ErrNotFound) {
						return fmt.Errorf("no user with email %q", email)
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "user %s active=%t\n", u.Email, u.Active)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Email address (required)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

// withAuth opens the configured store for the duration of fn.
func (c *cli) withAuth(ctx context.Context, fn func(context.Context, *auth.Service) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := memory.NewStore(ctx, c.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("memory store init failed: %w", err)
	}
	defer store.Close()

	svc, err := app.NewAuth(store, c.cfg)
	if err != nil {
		return err
	}
	return fn(ctx, svc)
}
