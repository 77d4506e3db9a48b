package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"livecast/internal/token"
)

func newSessionCommand(s *secrets) *cobra.Command {
	var subject string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "session",
		Short: "Print a session token for --subject",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			iss, err := s.session()
			if err != nil {
				return err
			}
			tok, err := iss.Issue(0, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Subject (user) id")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newPlaybackCommand(s *secrets) *cobra.Command {
	var subject string
	var record int64
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "playback",
		Short: "Print a playback token scoped to --record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			iss, err := s.playback()
			if err != nil {
				return err
			}
			tok, err := iss.Issue(record, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Subject (user) id")
	cmd.Flags().Int64Var(&record, "record", 0, "Record id the token is scoped to")
	cmd.Flags().DurationVar(&ttl, "ttl", 15*time.Minute, "Token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	_ = cmd.MarkFlagRequired("record")
	return cmd
}

type inspectOutput struct {
	Audience  string    `json:"audience"`
	SubjectID string    `json:"subjectId"`
	RecordID  int64     `json:"recordId,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func newInspectCommand(s *secrets) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <token>",
		Short: "Validate a session or playback token and print its claims",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var errs []error
			for _, issuer := range []func() (*token.Issuer, error){s.session, s.playback} {
				iss, err := issuer()
				if err != nil {
					errs = append(errs, err)
					continue
				}
				claims, err := iss.Validate(args[0])
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", iss.Audience(), err))
					continue
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(inspectOutput{
					Audience:  claims.Audience,
					SubjectID: claims.SubjectID,
					RecordID:  claims.RecordID,
					ExpiresAt: claims.ExpiresAt,
				})
			}
			return fmt.Errorf("token rejected: %w", errors.Join(errs...))
		},
	}
}
