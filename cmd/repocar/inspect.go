package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/jazware/repocar/pkg/repoarchive"
	"github.com/urfave/cli/v2"
)

func inspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "summarize an .rca segment file",
		ArgsUsage: "<segment-file>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "did",
				Usage: "print the records of one repo, located through the segment index",
			},
		},
		Action: runInspect,
	}
}

func runInspect(cctx *cli.Context) error {
	path := cctx.Args().First()
	if path == "" {
		return fmt.Errorf("segment file path required")
	}

	reader, err := repoarchive.OpenSegment(path)
	if err != nil {
		return fmt.Errorf("opening segment: %w", err)
	}
	defer reader.Close()

	if did := cctx.String("did"); did != "" {
		return printRepo(reader, path, did)
	}

	header := reader.Header()
	fmt.Printf("Segment: %s\n", path)
	fmt.Printf("  Version:      %d\n", header.Version)
	fmt.Printf("  Created:      %s\n", time.UnixMicro(header.CreatedAt).UTC().Format(time.RFC3339))
	fmt.Printf("  Repo Count:   %d\n", header.RepoCount)
	fmt.Printf("  Index Offset: %d\n", header.IndexOffset)

	index, err := repoarchive.LoadIndex(path)
	if err != nil {
		fmt.Printf("  (index not readable: %v)\n", err)
	} else {
		fmt.Printf("  Index Entries: %d\n", len(index.Entries))
	}

	type collStats struct {
		repos   int
		records int
	}
	collectionStats := make(map[string]collStats)
	repoCount := 0
	withCommit := 0

	for reader.Next() {
		r := reader.Repo()
		repoCount++
		if r.Commit.Defined() {
			withCommit++
		}
		// Counts come from the TOC; nothing is decompressed.
		for _, e := range r.TOC() {
			stats := collectionStats[e.Name]
			stats.repos++
			stats.records += int(e.RecordCount)
			collectionStats[e.Name] = stats
		}
	}
	if err := reader.Err(); err != nil {
		return fmt.Errorf("scanning segment: %w", err)
	}

	fmt.Printf("\n  Repos scanned: %d (%d with commit)\n", repoCount, withCommit)
	fmt.Println("  Collections:")

	names := make([]string, 0, len(collectionStats))
	for name := range collectionStats {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		stats := collectionStats[name]
		fmt.Printf("    %-50s  repos: %6d  records: %8d\n", name, stats.repos, stats.records)
	}

	return nil
}

func printRepo(reader *repoarchive.SegmentReader, path, did string) error {
	index, err := repoarchive.LoadIndex(path)
	if err != nil {
		return fmt.Errorf("loading index: %w", err)
	}
	entry, ok := index.FindDID(did)
	if !ok {
		return fmt.Errorf("%s not found in %s", did, path)
	}
	r, err := reader.ReadRepo(entry)
	if err != nil {
		return err
	}

	fmt.Printf("Repo: %s\n", r.DID)
	fmt.Printf("  PDS:      %s\n", r.PDS)
	fmt.Printf("  Rev:      %s\n", r.Rev)
	if r.Commit.Defined() {
		fmt.Printf("  Commit:   %s\n", r.Commit)
	}
	fmt.Printf("  Archived: %s\n", r.ArchivedAt.Format(time.RFC3339))
	fmt.Printf("  Records:  %d\n\n", r.RecordCount())

	for r.NextCollection() {
		col := r.Collection()
		for col.NextRecord() {
			rec, err := col.Record()
			if err != nil {
				return fmt.Errorf("reading %s record: %w", col.Name, err)
			}
			fmt.Fprintf(os.Stdout, "%s/%s\t%s\t%s\n", col.Name, rec.RKey, rec.CID, rec.JSON)
		}
	}
	return r.Err()
}
