package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/ragchat/internal/app"
	"github.com/antoniostano/ragchat/internal/config"
	"github.com/antoniostano/ragchat/internal/retrieval"
)

type options struct {
	dir        string
	extensions []string
	chunkChars int
	stdin      bool
	batch      int
}

func main() {
	opts, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ragingest: %v\n", err)
		os.Exit(2)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := run(context.Background(), cfg, opts); err != nil {
		log.Fatalf("ingest failed: %v", err)
	}
}

func parseFlags() (options, error) {
	var opts options
	var extRaw string
	flag.StringVar(&opts.dir, "dir", "", "directory of documents to load (walked recursively)")
	flag.StringVar(&extRaw, "ext", ".txt,.md", "comma-separated file extensions to load")
	flag.IntVar(&opts.chunkChars, "chunk-chars", 0, "split files into paragraph chunks of at most this many characters (0 keeps whole files)")
	flag.BoolVar(&opts.stdin, "stdin", false, "read one document per line from stdin")
	flag.IntVar(&opts.batch, "batch", 32, "documents per store write")
	flag.Parse()

	if strings.TrimSpace(opts.dir) == "" && !opts.stdin {
		return options{}, fmt.Errorf("one of -dir or -stdin is required")
	}
	if opts.batch <= 0 {
		opts.batch = 32
	}
	opts.extensions = parseExtensions(extRaw)
	return opts, nil
}

func run(ctx context.Context, cfg config.Config, opts options) error {
	var docs []retrieval.Document
	if opts.dir != "" {
		fromDir, err := collectDocuments(opts.dir, opts.extensions, opts.chunkChars)
		if err != nil {
			return err
		}
		docs = append(docs, fromDir...)
	}
	if opts.stdin {
		fromStdin, err := readLines(os.Stdin)
		if err != nil {
			return err
		}
		docs = append(docs, fromStdin...)
	}
	if len(docs) == 0 {
		return fmt.Errorf("no documents found")
	}

	store, err := app.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	start := time.Now()
	for i := 0; i < len(docs); i += opts.batch {
		end := min(i+opts.batch, len(docs))
		if err := store.Add(ctx, docs[i:end]...); err != nil {
			return fmt.Errorf("add documents %d-%d: %w", i, end-1, err)
		}
		log.Printf("loaded %d/%d documents", end, len(docs))
	}

	n, err := store.Count(ctx)
	if err != nil {
		return fmt.Errorf("count collection: %w", err)
	}
	log.Printf("collection %q on %s now holds %d documents (%s)", cfg.RetrievalCollection, cfg.RetrievalBackend, n, time.Since(start).Round(time.Millisecond))
	return nil
}

func parseExtensions(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		ext := strings.ToLower(strings.TrimSpace(part))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out = append(out, ext)
	}
	return out
}

// collectDocuments walks dir and returns one document per matching file, or per
// chunk when chunkChars > 0. Ids are slash-separated paths relative to dir, so
// re-ingesting the same tree overwrites instead of duplicating.
func collectDocuments(dir string, extensions []string, chunkChars int) ([]retrieval.Document, error) {
	allowed := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		allowed[ext] = true
	}

	var docs []retrieval.Document
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if len(allowed) > 0 && !allowed[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		text := strings.TrimSpace(string(raw))
		if text == "" {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		id := filepath.ToSlash(rel)

		if chunkChars <= 0 {
			docs = append(docs, retrieval.Document{ID: id, Text: text})
			return nil
		}
		for i, chunk := range chunkText(text, chunkChars) {
			docs = append(docs, retrieval.Document{ID: fmt.Sprintf("%s#%d", id, i), Text: chunk})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

// chunkText packs blank-line separated paragraphs into chunks of at most limit
// characters. A single paragraph longer than limit becomes its own chunk.
func chunkText(text string, limit int) []string {
	var chunks []string
	var cur strings.Builder
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if cur.Len() > 0 && cur.Len()+2+len(para) > limit {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(para)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}

func readLines(r io.Reader) ([]retrieval.Document, error) {
	var docs []retrieval.Document
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		docs = append(docs, retrieval.Document{ID: uuid.NewString(), Text: line})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	return docs, nil
}
