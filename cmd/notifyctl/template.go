package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"notification-pipeline/internal/common/logger"
	"notification-pipeline/internal/models"
	"notification-pipeline/internal/sandbox"
	"notification-pipeline/internal/templates"
)

func newTemplateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Validate, render and store templates",
	}
	cmd.AddCommand(newTemplateValidateCmd())
	cmd.AddCommand(newTemplateRenderCmd())
	cmd.AddCommand(newTemplateCreateCmd())
	return cmd
}

// readTemplate loads a template definition. Files ending in .json hold a
// full definition; anything else is taken as a raw body for an email
// template.
func readTemplate(path string) (*models.Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading template: %w", err)
	}

	if !strings.HasSuffix(path, ".json") {
		return &models.Template{Name: path, Body: string(data), ChannelType: models.ChannelEmail}, nil
	}

	var t models.Template
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing template %s: %w", path, err)
	}
	if t.Name == "" {
		t.Name = path
	}
	return &t, nil
}

func newTemplateValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a template against the sandbox rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := readTemplate(args[0])
			if err != nil {
				return err
			}

			svc := templates.NewService(nil, sandbox.New(), logger.NewNoOpLogger())
			if err := svc.Check(t); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: ok\n", args[0])
			if len(t.Variables) > 0 {
				fmt.Fprintf(out, "variables: %s\n", strings.Join(t.Variables, ", "))
			}
			return nil
		},
	}
}

func newTemplateRenderCmd() *cobra.Command {
	var (
		contextFile string
		plain       bool
	)

	cmd := &cobra.Command{
		Use:   "render <file>",
		Short: "Render a template with a JSON context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := readTemplate(args[0])
			if err != nil {
				return err
			}

			ctx := map[string]interface{}{}
			if contextFile != "" {
				data, err := os.ReadFile(contextFile)
				if err != nil {
					return fmt.Errorf("reading context: %w", err)
				}
				if err := json.Unmarshal(data, &ctx); err != nil {
					return fmt.Errorf("parsing context %s: %w", contextFile, err)
				}
			}

			engine := sandbox.New()
			mode := sandbox.ModeFor(plain || t.ChannelType.PlainText())

			out := cmd.OutOrStdout()
			if t.Subject != "" {
				subject, err := engine.Render(t.Subject, ctx, sandbox.ModeText)
				if err != nil {
					return fmt.Errorf("subject: %w", err)
				}
				fmt.Fprintf(out, "Subject: %s\n\n", subject)
			}
			body, err := engine.Render(t.Body, ctx, mode)
			if err != nil {
				return fmt.Errorf("body: %w", err)
			}
			fmt.Fprintln(out, body)
			return nil
		},
	}

	cmd.Flags().StringVar(&contextFile, "context", "", "JSON file with the render context (user, extra, current_date)")
	cmd.Flags().BoolVar(&plain, "plain", false, "Render without HTML escaping")

	return cmd
}

func newTemplateCreateCmd() *cobra.Command {
	var (
		name    string
		channel string
		subject string
	)

	cmd := &cobra.Command{
		Use:   "create <file>",
		Short: "Validate a template and store it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := readTemplate(args[0])
			if err != nil {
				return err
			}
			if name != "" {
				t.Name = name
			}
			if subject != "" {
				t.Subject = subject
			}
			if channel != "" {
				ct, err := models.ParseChannelType(channel)
				if err != nil {
					return err
				}
				t.ChannelType = ct
			}

			env, err := connect(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer env.Close()

			created, err := templates.NewService(env.store, sandbox.New(), env.log).Create(cmd.Context(), t)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created template %s (%s)\n", created.ID, created.Name)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Template name (defaults to the file's)")
	cmd.Flags().StringVar(&channel, "channel", "", "Channel type: email, sms, push or instant")
	cmd.Flags().StringVar(&subject, "subject", "", "Subject template")

	return cmd
}
