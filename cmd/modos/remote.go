package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"

	"modos/internal/catalog"
	"modos/internal/codes"
	"modos/internal/remote"
)

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// discovery opens the catalog and a client for the configured S3 endpoint.
// The returned close func releases the catalog.
func (a *app) discovery(ctx context.Context) (*remote.Client, func() error, error) {
	s3cfg, err := a.cfg.S3For(ctx, a.endpoints)
	if err != nil {
		return nil, nil, err
	}
	if s3cfg.Endpoint == "" {
		return nil, nil, fmt.Errorf("no S3 endpoint configured; set --s3-endpoint or --server")
	}
	store, err := catalog.Open(ctx, a.cfg.Catalog)
	if err != nil {
		return nil, nil, err
	}
	c, err := remote.Dial(ctx, s3cfg,
		remote.WithCatalog(store),
		remote.WithMaxAge(a.cfg.CatalogMaxAge),
		remote.WithLogger(a.logger),
	)
	if err != nil {
		return nil, nil, errs.Combine(err, store.Close())
	}
	return c, store.Close, nil
}

func (a *app) remoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Discover MODOs published on an S3 endpoint or modos server",
	}
	asJSON := cmd.PersistentFlags().Bool("json", false, "print json")

	list := &cobra.Command{
		Use:   "list",
		Short: "List every MODO on the endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			c, closeFn, err := a.discovery(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { err = errs.Combine(err, closeFn()) }()
			objects, err := c.ListObjects(cmd.Context())
			if err != nil {
				return err
			}
			if *asJSON {
				return a.printJSON(objects)
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			for _, o := range objects {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", o.Location(), o.ID, o.Description)
			}
			return tw.Flush()
		},
	}

	var exact bool
	find := &cobra.Command{
		Use:   "find <query>",
		Short: "Find MODOs by identifier or description",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			c, closeFn, err := a.discovery(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { err = errs.Combine(err, closeFn()) }()
			matches, err := c.Find(cmd.Context(), args[0], exact)
			if err != nil {
				return err
			}
			if *asJSON {
				return a.printJSON(matches)
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			for _, m := range matches {
				fmt.Fprintf(tw, "%.2f\t%s\t%s\n", m.Score, m.Location(), m.ID)
			}
			return tw.Flush()
		},
	}
	find.Flags().BoolVar(&exact, "exact", false, "match identifiers verbatim")

	services := &cobra.Command{
		Use:   "services",
		Short: "Print the resolved service endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.endpoints.Services(cmd.Context())
			if err != nil {
				return err
			}
			if *asJSON {
				return a.printJSON(s.Map())
			}
			m := s.Map()
			names := make([]string, 0, len(m))
			for k := range m {
				names = append(names, k)
			}
			sort.Strings(names)
			for _, k := range names {
				if k == remote.ServiceAuth {
					fmt.Fprintf(a.stdout, "%s\t%s\n", k, s.Auth.URL)
					continue
				}
				fmt.Fprintf(a.stdout, "%s\t%v\n", k, m[k])
			}
			return nil
		},
	}

	search := &cobra.Command{
		Use:   "search <query>",
		Short: "Ask the modos server for matching objects",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m := a.endpoints.Manager()
			if m == nil {
				return fmt.Errorf("remote search needs --server")
			}
			found, err := m.Search(cmd.Context(), args[0], exact)
			if err != nil {
				return err
			}
			if *asJSON {
				return a.printJSON(found)
			}
			for _, r := range found {
				fmt.Fprintf(a.stdout, "%s\t%s\t%s\n", r.Path, r.S3Endpoint, r.URL)
			}
			return nil
		},
	}
	search.Flags().BoolVar(&exact, "exact", false, "match identifiers verbatim")

	meta := &cobra.Command{
		Use:   "meta [modo-id]",
		Short: "Print metadata published by the modos server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m := a.endpoints.Manager()
			if m == nil {
				return fmt.Errorf("remote meta needs --server")
			}
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			doc, err := m.Metadata(cmd.Context(), id)
			if err != nil {
				return err
			}
			return a.printJSON(doc)
		},
	}

	cmd.AddCommand(list, find, services, search, meta)
	return cmd
}

func (a *app) codesCmd() *cobra.Command {
	var top int
	cmd := &cobra.Command{
		Use:   "codes <slot> <query>",
		Short: "Suggest vocabulary codes for a slot value",
		Long:  "codes ranks terms for cell_type, source_material, sample_processing or taxon_id.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if top <= 0 {
				top = a.cfg.CodesTop
			}
			var terms []codes.Code
			if a.cfg.TermsFile != "" {
				all, err := codes.LoadTerms(a.cfg.TermsFile)
				if err != nil {
					return err
				}
				terms = all[args[0]]
			}
			services, err := a.endpoints.Services(ctx)
			if err != nil {
				return err
			}
			m, err := codes.SlotMatcher(args[0], services.Fuzon, terms, top)
			if err != nil {
				return err
			}
			if m == nil {
				return fmt.Errorf("no terminology service or terms file configured for %s", args[0])
			}
			found, err := m.FindCodes(ctx, args[1])
			if err != nil {
				return err
			}
			for _, c := range found {
				fmt.Fprintf(a.stdout, "%s\t%s\n", c.URI, c.Label)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&top, "top", "n", 0, "number of codes to print")
	return cmd
}

func (a *app) catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the cache of remote listings",
	}
	list := &cobra.Command{
		Use:   "list [endpoint]",
		Short: "List cached endpoints, or the objects cached for one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			store, err := catalog.Open(ctx, a.cfg.Catalog)
			if err != nil {
				return err
			}
			defer func() { err = errs.Combine(err, store.Close()) }()
			if len(args) == 0 {
				endpoints, err := store.Endpoints(ctx)
				if err != nil {
					return err
				}
				for _, e := range endpoints {
					fmt.Fprintln(a.stdout, e)
				}
				return nil
			}
			l, ok, err := store.Listing(ctx, args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no cached listing for %s", args[0])
			}
			fmt.Fprintf(a.stdout, "# refreshed %s\n", l.RefreshedAt.Format(time.RFC3339))
			for _, e := range l.Entries {
				fmt.Fprintf(a.stdout, "s3://%s\t%s\t%s\n", e.Path, e.ID, e.Description)
			}
			return nil
		},
	}
	forget := &cobra.Command{
		Use:   "forget <endpoint>",
		Short: "Drop the cached listing of an endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			store, err := catalog.Open(ctx, a.cfg.Catalog)
			if err != nil {
				return err
			}
			defer func() { err = errs.Combine(err, store.Close()) }()
			return store.Forget(ctx, args[0])
		},
	}
	cmd.AddCommand(list, forget)
	return cmd
}
