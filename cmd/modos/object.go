package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"modos/internal/build"
	"modos/internal/codes"
	"modos/internal/core"
	"modos/internal/rdf"
	"modos/internal/schema"
	"modos/internal/storage"
	"modos/pkg/domain"
)

// parseAttrs decodes a YAML or JSON mapping given inline or as @file.
func parseAttrs(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	b := []byte(raw)
	if strings.HasPrefix(raw, "@") {
		var err error
		if b, err = os.ReadFile(raw[1:]); err != nil {
			return nil, err
		}
	}
	out := map[string]any{}
	if err := yaml.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("attributes: %w", err)
	}
	return out, nil
}

func (a *app) prompter(ctx context.Context) (build.Prompter, error) {
	sch, err := schema.Load("")
	if err != nil {
		return nil, err
	}
	var terms map[string][]codes.Code
	if a.cfg.TermsFile != "" {
		if terms, err = codes.LoadTerms(a.cfg.TermsFile); err != nil {
			return nil, err
		}
	}
	services, err := a.endpoints.Services(ctx)
	if err != nil {
		a.logger.Warn("service document unavailable; code suggestions limited to local terms", "error", err)
	}
	matchers, err := codes.SlotMatchers(services.Fuzon, terms, a.cfg.CodesTop)
	if err != nil {
		return nil, err
	}
	return &build.TerminalPrompter{Schema: sch, Matchers: matchers}, nil
}

func (a *app) createCmd() *cobra.Command {
	var (
		fromFile string
		meta     string
		noRemove bool
		prompt   bool
	)
	cmd := &cobra.Command{
		Use:   "create <location>",
		Short: "Create a MODO, or reconcile one with a build file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			opts, err := a.objectOptions(ctx, args[0])
			if err != nil {
				return err
			}
			if fromFile == "" {
				attrs, err := parseAttrs(meta)
				if err != nil {
					return err
				}
				o, err := core.Create(ctx, args[0], attrs, opts...)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "created %s\n", o.ID())
				return nil
			}
			bo := build.Options{NoRemove: noRemove, Object: opts}
			if prompt {
				if bo.Prompter, err = a.prompter(ctx); err != nil {
					return err
				}
			}
			o, report, err := build.FromFile(ctx, fromFile, args[0], bo)
			if err != nil {
				return err
			}
			verb := "updated"
			if report.Created {
				verb = "created"
			}
			fmt.Fprintf(a.stdout, "%s %s: %d added, %d updated, %d removed\n", verb, o.ID(), len(report.Added), len(report.Updated), len(report.Removed))
			return nil
		},
	}
	cmd.Flags().StringVarP(&fromFile, "from-file", "f", "", "build file (yaml or json) describing the elements")
	cmd.Flags().StringVarP(&meta, "meta", "m", "", "root attributes as a yaml/json mapping or @file")
	cmd.Flags().BoolVar(&noRemove, "no-remove", false, "keep elements missing from the build file")
	cmd.Flags().BoolVar(&prompt, "prompt", false, "ask for required slots the build file leaves out")
	return cmd
}

func (a *app) showCmd() *cobra.Command {
	var (
		files, samples, asJSON bool
		graph                  string
	)
	cmd := &cobra.Command{
		Use:   "show <location> [element]",
		Short: "Show the metadata of a MODO",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := a.load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			element := ""
			if len(args) == 2 {
				element = args[1]
			}
			switch {
			case files:
				for _, f := range o.ListFiles() {
					fmt.Fprintln(a.stdout, f)
				}
				return nil
			case samples:
				return a.printNodes(o.ListSamples(), asJSON)
			case graph != "":
				f, err := rdfFormat(graph)
				if err != nil {
					return err
				}
				return o.WriteGraph(a.stdout, "", f)
			case asJSON:
				nodes := o.Nodes()
				if element != "" {
					n, err := o.Get(element)
					if err != nil {
						return err
					}
					nodes = []core.Node{n}
				}
				return a.printNodes(nodes, true)
			}
			out, err := o.ShowContents(element)
			if err != nil {
				return err
			}
			fmt.Fprint(a.stdout, out)
			return nil
		},
	}
	cmd.Flags().BoolVar(&files, "files", false, "list the payload files")
	cmd.Flags().BoolVar(&samples, "samples", false, "list the samples")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print nodes as json")
	cmd.Flags().StringVar(&graph, "rdf", "", "print the linked-data graph (turtle or ntriples)")
	return cmd
}

func rdfFormat(name string) (rdf.Format, error) {
	switch strings.ToLower(name) {
	case "turtle", "ttl":
		return rdf.Turtle, nil
	case "ntriples", "nt":
		return rdf.NTriples, nil
	default:
		return 0, fmt.Errorf("unknown rdf format %q", name)
	}
}

func (a *app) printNodes(nodes []core.Node, asJSON bool) error {
	if !asJSON {
		for _, n := range nodes {
			fmt.Fprintf(a.stdout, "%s\t%s\t%s\n", n.ID, n.Type, n.String(domain.SlotName))
		}
		return nil
	}
	out := make([]map[string]any, len(nodes))
	for i, n := range nodes {
		out[i] = n.AttrMap()
	}
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func (a *app) addCmd() *cobra.Command {
	var (
		typ, id, attrs, parent, source string
	)
	cmd := &cobra.Command{
		Use:   "add <location>",
		Short: "Add an element to a MODO",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			t, err := domain.ParseNodeType(typ)
			if err != nil {
				return err
			}
			raw, err := parseAttrs(attrs)
			if err != nil {
				return err
			}
			o, err := a.load(ctx, args[0])
			if err != nil {
				return err
			}
			n, err := o.Add(ctx, domain.NewNode(t, id, build.Normalize(o, t, raw)), core.AddOptions{PartOf: parent, SourceFile: source})
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "added %s\n", n.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&typ, "type", "t", "", "element type (Assay, Sample, DataEntity, ReferenceGenome, ReferenceSequence)")
	cmd.Flags().StringVar(&id, "id", "", "element id; derived from the name when empty")
	cmd.Flags().StringVarP(&attrs, "attrs", "a", "", "attributes as a yaml/json mapping or @file")
	cmd.Flags().StringVarP(&parent, "parent", "p", "", "id of the owning element")
	cmd.Flags().StringVarP(&source, "source-file", "s", "", "payload file copied into the object")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func (a *app) updateCmd() *cobra.Command {
	var attrs, source string
	cmd := &cobra.Command{
		Use:   "update <location> <element>",
		Short: "Change the attributes or payload of an element",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			raw, err := parseAttrs(attrs)
			if err != nil {
				return err
			}
			o, err := a.load(ctx, args[0])
			if err != nil {
				return err
			}
			current, err := o.Get(args[1])
			if err != nil {
				return err
			}
			changes := build.Normalize(o, current.Type, raw)
			for k, v := range raw {
				if v == nil {
					changes[k] = nil
				}
			}
			n, err := o.Update(ctx, args[1], changes, core.UpdateOptions{SourceFile: source})
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "updated %s\n", n.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&attrs, "attrs", "a", "", "changed attributes; null removes a slot")
	cmd.Flags().StringVarP(&source, "source-file", "s", "", "replacement payload file")
	return cmd
}

func (a *app) removeCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "remove <location> [element]",
		Short: "Remove an element, or the whole MODO with --force",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			o, err := a.load(ctx, args[0])
			if err != nil {
				return err
			}
			if len(args) == 2 {
				if err := o.Remove(ctx, args[1]); err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "removed %s\n", args[1])
				return nil
			}
			if !force {
				return fmt.Errorf("refusing to delete %s without --force", args[0])
			}
			if err := o.RemoveObject(ctx); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "deleted %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "delete the whole object")
	return cmd
}

func (a *app) transferCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transfer <source> <destination>",
		Short: "Copy a MODO between local storage and S3",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			o, err := a.load(ctx, args[0])
			if err != nil {
				return err
			}
			var storageOpts []storage.Option
			if strings.HasPrefix(args[1], "s3://") {
				s3cfg, err := a.cfg.S3For(ctx, a.endpoints)
				if err != nil {
					return err
				}
				storageOpts = append(storageOpts, storage.WithS3Config(s3cfg))
			}
			if err := o.Transfer(ctx, args[1], storageOpts...); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "copied %s to %s\n", args[0], args[1])
			return nil
		},
	}
}
