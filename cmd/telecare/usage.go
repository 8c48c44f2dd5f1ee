package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	enforcementdomain "github.com/smallbiznis/telecare/internal/enforcement/domain"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var (
	subscriptionID string
	privilegeName  string
	actorID        string
	at             string
	pageToken      string
	pageSize       int
)

func newUsageCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Inspect or reset privilege usage",
	}

	cmd.PersistentFlags().StringVarP(&subscriptionID, "subscription", "s", "", "Subscription ID")
	cmd.PersistentFlags().StringVarP(&privilegeName, "privilege", "p", "", "Privilege name or code")
	_ = cmd.MarkPersistentFlagRequired("subscription")
	_ = cmd.MarkPersistentFlagRequired("privilege")

	cmd.AddCommand(
		newUsageRemainingCommand(),
		newUsageResetCommand(),
		newUsageHistoryCommand(),
	)

	return cmd
}

func newUsageRemainingCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remaining",
		Short: "Show the remaining allowance",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := enforcementdomain.RemainingRequest{
				SubscriptionID: subscriptionID,
				Privilege:      privilegeName,
			}
			if at != "" {
				parsed, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				req.At = parsed.UTC()
			}

			return withService(cmd.Context(), func(ctx context.Context, svc enforcementdomain.Service) error {
				info, err := svc.GetRemaining(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), info)
			})
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "Evaluate at this RFC3339 instant instead of now")

	return cmd
}

func newUsageResetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset the current period's usage",
		Long:  `Zero the used amount of the current ledger and record the reset in the usage history.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc enforcementdomain.Service) error {
				err := svc.ResetUsage(ctx, enforcementdomain.ResetRequest{
					SubscriptionID: subscriptionID,
					Privilege:      privilegeName,
					ActorID:        actorID,
				})
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "usage reset")
				return err
			})
		},
	}

	cmd.Flags().StringVarP(&actorID, "actor", "a", "", "Operator performing the reset")
	_ = cmd.MarkFlagRequired("actor")

	return cmd
}

func newUsageHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List consumption and reset entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc enforcementdomain.Service) error {
				resp, err := svc.ListHistory(ctx, enforcementdomain.HistoryRequest{
					SubscriptionID: subscriptionID,
					Privilege:      privilegeName,
					PageToken:      pageToken,
					PageSize:       pageSize,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), resp)
			})
		},
	}

	cmd.Flags().StringVar(&pageToken, "page-token", "", "Continue from a previous page")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "Entries per page")

	return cmd
}

func withService(ctx context.Context, fn func(context.Context, enforcementdomain.Service) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var svc enforcementdomain.Service
	app := fx.New(
		infrastructure(),
		domains(),
		fx.Populate(&svc),
		fx.NopLogger,
	)
	if err := app.Err(); err != nil {
		return err
	}
	if err := app.Start(ctx); err != nil {
		return err
	}
	defer app.Stop(context.Background())

	return fn(ctx, svc)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
