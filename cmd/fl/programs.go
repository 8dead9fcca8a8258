package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"formline/internal/app"
	"formline/internal/domain"
	"formline/internal/engine"
	"formline/internal/repo"
)

func programCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "program",
		Short: "Manage program definitions",
		Long:  "Programs are ordered blocks of questions. Blocks may be gated by predicates over answers in earlier blocks, or repeated once per entity of an enumerator.",
	}
	p.AddCommand(programWriteCmd("create <name>", "Create a program draft", engine.Engine.CreateProgramDraft))
	p.AddCommand(programWriteCmd("update <name>", "Replace the blocks of a program draft", engine.Engine.UpdateProgramDraft))
	p.AddCommand(programNewVersionCmd())
	p.AddCommand(programShowCmd())
	p.AddCommand(programHistoryCmd())
	p.AddCommand(programListCmd())
	p.AddCommand(predicateCmd())
	return p
}

type programWriter func(engine.Engine, context.Context, string, domain.ProgramContent, string) (domain.ProgramDefinition, error)

func programWriteCmd(use, short string, write programWriter) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			var content domain.ProgramContent
			if err := readDefinition(file, &content); err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				p, err := write(env.Engine, ctx, args[0], content, actorID())
				if err != nil {
					return err
				}
				return printProgram(p)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML or JSON program content")
	return cmd
}

func programNewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "new-version <name>",
		Short: "Start a draft from the active version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				p, err := env.Engine.CreateProgramVersion(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printProgram(p)
			})
		},
	}
}

func programShowCmd() *cobra.Command {
	var (
		version   string
		questions bool
	)
	cmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Show one version of a program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sel, err := repo.ParseSelector(version)
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				p, err := env.Engine.GetProgram(ctx, args[0], sel)
				if err != nil {
					return err
				}
				if !questions {
					return printProgram(p)
				}
				pinned, err := env.Engine.ProgramQuestions(ctx, p)
				if err != nil {
					return err
				}
				return printJSONOrTable(pinned, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Block", "Question", "Version", "Type", "Text"})
					for _, b := range p.Blocks {
						for _, ref := range b.Questions {
							q := pinned[ref.Name]
							tw.AppendRow(table.Row{b.ID, q.Name, versionCell(q.Version), q.Type, q.Text})
						}
					}
					tw.Render()
				})
			})
		},
	}
	cmd.Flags().StringVar(&version, "version", "", "active, draft, latest or a version number")
	cmd.Flags().BoolVar(&questions, "questions", false, "list the question versions the program uses")
	return cmd
}

func programHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <name>",
		Short: "List every version of a program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				items, err := env.Engine.ProgramHistory(ctx, args[0])
				if err != nil {
					return err
				}
				return printPrograms(items)
			})
		},
	}
}

func programListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the latest version of every program",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				items, err := env.Engine.ListPrograms(ctx)
				if err != nil {
					return err
				}
				return printPrograms(items)
			})
		},
	}
}

func predicateCmd() *cobra.Command {
	pred := &cobra.Command{
		Use:   "predicate",
		Short: "Attach or detach block predicates on a program draft",
	}
	var file string
	attach := &cobra.Command{
		Use:   "attach <program> <block-id>",
		Short: "Attach a show_if or hide_if predicate to a block",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			blockID, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid block id %q", args[1])
			}
			if file == "" {
				return fmt.Errorf("--file required")
			}
			var p domain.Predicate
			if err := readDefinition(file, &p); err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				prog, err := env.Engine.AttachPredicate(ctx, args[0], blockID, p, actorID())
				if err != nil {
					return err
				}
				return printProgram(prog)
			})
		},
	}
	attach.Flags().StringVarP(&file, "file", "f", "", "YAML or JSON predicate")
	detach := &cobra.Command{
		Use:   "detach <program> <block-id>",
		Short: "Remove the predicate of a block",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			blockID, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid block id %q", args[1])
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				prog, err := env.Engine.DetachPredicate(ctx, args[0], blockID, actorID())
				if err != nil {
					return err
				}
				return printProgram(prog)
			})
		},
	}
	pred.AddCommand(attach, detach)
	return pred
}

func publishCmd() *cobra.Command {
	var req engine.PublishRequest
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Promote drafts to active in one step",
		Long:  "Every named draft is promoted or none is. Questions go first, so programs may pin questions published in the same call.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				res, err := env.Engine.Publish(ctx, req, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(res, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Kind", "Name", "Version", "Digest"})
					for _, q := range res.Questions {
						tw.AppendRow(table.Row{"question", q.Name, q.Version, ""})
					}
					for _, p := range res.Programs {
						tw.AppendRow(table.Row{"program", p.Name, p.Version, p.Digest})
					}
					tw.Render()
				})
			})
		},
	}
	cmd.Flags().StringArrayVarP(&req.Questions, "question", "q", nil, "question to publish (repeatable)")
	cmd.Flags().StringArrayVarP(&req.Programs, "program", "p", nil, "program to publish (repeatable)")
	return cmd
}

func printPrograms(items []domain.ProgramDefinition) error {
	return printJSONOrTable(items, func() {
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendHeader(table.Row{"Name", "Version", "State", "Blocks", "Visibility", "Updated"})
		for _, p := range items {
			tw.AppendRow(table.Row{p.Name, p.Version, p.State, len(p.Blocks), p.Visibility, since(p.UpdatedAt)})
		}
		tw.Render()
	})
}

func printProgram(p domain.ProgramDefinition) error {
	return printJSONOrTable(p, func() {
		fmt.Printf("%s v%d (%s) updated %s\n", p.Name, p.Version, p.State, since(p.UpdatedAt))
		if p.Digest != "" {
			fmt.Println("digest:", p.Digest)
		}
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendHeader(table.Row{"Block", "Name", "Questions", "Predicate", "Repeated by"})
		for _, b := range p.Blocks {
			refs := make([]string, 0, len(b.Questions))
			for _, ref := range b.Questions {
				s := ref.Name
				if ref.Version > 0 {
					s += fmt.Sprintf("@v%d", ref.Version)
				}
				if ref.Optional {
					s += "?"
				}
				refs = append(refs, s)
			}
			pred := ""
			if b.Predicate != nil {
				pred = fmt.Sprintf("%s %s", b.Predicate.Action, strings.Join(b.Predicate.Questions(), ","))
			}
			tw.AppendRow(table.Row{b.ID, b.Name, strings.Join(refs, " "), pred, b.RepeatedBy})
		}
		tw.Render()
	})
}
