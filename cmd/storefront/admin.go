package main

import (
	"encoding/json"
	"time"

	"digital-delivery/internal/service"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func grantCmd() *cobra.Command {
	var (
		maxDownloads int
		validFor     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "grant <buyer-id> <file-id>",
		Short: "Issue a download grant that is not tied to an order",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			buyer, err := uuid.Parse(args[0])
			if err != nil {
				return errors.Wrap(err, "buyer id")
			}
			file, err := uuid.Parse(args[1])
			if err != nil {
				return errors.Wrap(err, "file id")
			}

			input := service.ManualGrantInput{BuyerID: buyer, FileID: file}
			if cmd.Flags().Changed("max-downloads") {
				input.MaxDownloads = &maxDownloads
			}
			if validFor > 0 {
				exp := time.Now().UTC().Add(validFor)
				input.ExpiresAt = &exp
			}

			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.wireCore(false); err != nil {
				return err
			}

			grant, err := a.grants.IssueManual(cmd.Context(), input)
			if err != nil {
				return err
			}
			return printJSON(cmd, grant)
		},
	}
	cmd.Flags().IntVar(&maxDownloads, "max-downloads", 0, "download ceiling (unlimited when omitted)")
	cmd.Flags().DurationVar(&validFor, "valid-for", 0, "grant lifetime, e.g. 720h (no expiry when omitted)")
	return cmd
}

func refundCmd() *cobra.Command {
	var (
		reason string
		amount int64
	)
	cmd := &cobra.Command{
		Use:   "refund <order-id>",
		Short: "Mark a paid order refunded; its grants are kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orderID, err := uuid.Parse(args[0])
			if err != nil {
				return errors.Wrap(err, "order id")
			}

			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.wireCore(false); err != nil {
				return err
			}

			if amount == 0 {
				order, err := a.orderRepo.FindById(cmd.Context(), orderID)
				if err != nil {
					return err
				}
				amount = order.TotalAmount
			}
			order, err := a.orders.TransitionToRefunded(cmd.Context(), orderID, reason, amount)
			if err != nil {
				return err
			}
			return printJSON(cmd, order)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "requested_by_customer", "refund reason")
	cmd.Flags().Int64Var(&amount, "amount", 0, "refunded amount in minor units (defaults to the order total)")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
