// Package backup renders a user's profiles as a labeled text file and reads
// that file back.
//
// The format is line oriented UTF-8:
//
//	Usuario: Ana (12345)
//	Generado: 2024-05-01 10:00:00
//	------------------------------
//	Servicio: Netflix
//	Email: ana@example.com
//	Perfil: Ana
//	PIN: 1234
//	------------------------------
//
// One block per profile, in the order the store lists them.
package backup

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/m3rciful/accountbot/core/logger"
	"github.com/m3rciful/accountbot/internal/store"
)

const (
	LabelUser      = "Usuario"
	LabelGenerated = "Generado"
	LabelService   = "Servicio"
	LabelEmail     = "Email"
	LabelProfile   = "Perfil"
	LabelPIN       = "PIN"

	// Delimiter separates blocks in exported files.
	Delimiter = "------------------------------"

	timeLayout   = "2006-01-02 15:04:05"
	maxLineBytes = 64 * 1024
)

// Header identifies whose data a file holds.
type Header struct {
	UserID      int64
	Name        string
	GeneratedAt time.Time
}

// Record is one profile block read from a file.
type Record struct {
	Service string
	Email   string
	Profile string
	Pin     string
	// Line is where the block started, for diagnostics.
	Line int
}

// ParseResult holds accepted records and the number of blocks dropped.
type ParseResult struct {
	Records []Record
	Dropped int
}

// Group is the set of profiles sharing one (service, email) account.
type Group struct {
	Service  string
	Email    string
	Profiles []store.ProfileInput
}

// Export writes h and views to w.
func Export(w io.Writer, h Header, views []store.ProfileView) error {
	bw := bufio.NewWriter(w)
	name := strings.TrimSpace(h.Name)
	if name == "" {
		name = "-"
	}
	fmt.Fprintf(bw, "%s: %s (%d)\n", LabelUser, name, h.UserID)
	fmt.Fprintf(bw, "%s: %s\n", LabelGenerated, h.GeneratedAt.Format(timeLayout))
	fmt.Fprintln(bw, Delimiter)
	for _, v := range views {
		fmt.Fprintf(bw, "%s: %s\n", LabelService, v.Service)
		fmt.Fprintf(bw, "%s: %s\n", LabelEmail, v.Email)
		fmt.Fprintf(bw, "%s: %s\n", LabelProfile, v.ProfileName)
		fmt.Fprintf(bw, "%s: %s\n", LabelPIN, v.Pin)
		fmt.Fprintln(bw, Delimiter)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("backup: write: %w", err)
	}
	return nil
}

// ExportString is Export into a string.
func ExportString(h Header, views []store.ProfileView) string {
	var sb strings.Builder
	_ = Export(&sb, h, views)
	return sb.String()
}

type block struct {
	start  int
	fields map[string]string
}

func (b *block) empty() bool    { return len(b.fields) == 0 }
func (b *block) complete() bool { return len(b.fields) == 4 }

func (b *block) record() Record {
	return Record{
		Service: b.fields[LabelService],
		Email:   b.fields[LabelEmail],
		Profile: b.fields[LabelProfile],
		Pin:     b.fields[LabelPIN],
		Line:    b.start,
	}
}

// Parse reads blocks from r. A block is accepted once it has all four
// labels and is followed by a delimiter, a blank line or the end of input.
// Incomplete blocks cut by a delimiter, blocks with an invalid email and
// blocks with an empty or overlong service or profile name are dropped and
// logged. Only read failures are returned as errors.
func Parse(ctx context.Context, r io.Reader) (ParseResult, error) {
	var (
		res  ParseResult
		cur  = block{fields: make(map[string]string, 4)}
		line int
	)
	reset := func() { cur = block{fields: make(map[string]string, 4)} }
	flush := func() {
		if cur.empty() {
			return
		}
		if !cur.complete() {
			res.Dropped++
			logger.Warn(ctx, "backup", "backup.block.incomplete",
				slog.Int("line", cur.start),
				slog.Int("fields", len(cur.fields)),
			)
			reset()
			return
		}
		rec := cur.record()
		if !store.ValidEmail(rec.Email) {
			res.Dropped++
			logger.Warn(ctx, "backup", "backup.block.invalid_email", slog.Int("line", rec.Line))
			reset()
			return
		}
		rec.Service = store.NormalizeService(rec.Service)
		if rec.Service == "" || len(rec.Service) > store.MaxFieldLen || len(rec.Profile) > store.MaxFieldLen {
			res.Dropped++
			logger.Warn(ctx, "backup", "backup.block.invalid_name", slog.Int("line", rec.Line))
			reset()
			return
		}
		res.Records = append(res.Records, rec)
		reset()
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 4096), maxLineBytes)
	for sc.Scan() {
		line++
		text := strings.TrimSpace(strings.TrimPrefix(sc.Text(), "\ufeff"))
		switch {
		case isDelimiter(text):
			flush()
			continue
		case text == "":
			if cur.complete() {
				flush()
			}
			continue
		}
		label, value, ok := splitLabel(text)
		if !ok {
			continue
		}
		if _, dup := cur.fields[label]; dup && cur.complete() {
			flush()
		}
		if cur.empty() {
			cur.start = line
		}
		cur.fields[label] = value
	}
	if err := sc.Err(); err != nil {
		return res, fmt.Errorf("backup: read: %w", err)
	}
	if cur.complete() {
		flush()
	} else if !cur.empty() {
		res.Dropped++
		logger.Warn(ctx, "backup", "backup.block.incomplete",
			slog.Int("line", cur.start),
			slog.Int("fields", len(cur.fields)),
		)
	}
	logger.Debug(ctx, "backup", "backup.parsed",
		slog.Int("records", len(res.Records)),
		slog.Int("dropped", res.Dropped),
	)
	return res, nil
}

// GroupRecords merges records by (service, email) in first-seen order. A profile
// name repeated within one group keeps its last PIN.
func GroupRecords(records []Record) []Group {
	type key struct{ service, email string }
	index := make(map[key]int)
	var out []Group
	for _, r := range records {
		k := key{strings.ToLower(store.NormalizeService(r.Service)), strings.ToLower(strings.TrimSpace(r.Email))}
		i, ok := index[k]
		if !ok {
			i = len(out)
			index[k] = i
			out = append(out, Group{Service: store.NormalizeService(r.Service), Email: strings.TrimSpace(r.Email)})
		}
		g := &out[i]
		replaced := false
		for j := range g.Profiles {
			if g.Profiles[j].Name == r.Profile {
				g.Profiles[j].Pin = r.Pin
				replaced = true
				break
			}
		}
		if !replaced {
			g.Profiles = append(g.Profiles, store.ProfileInput{Name: r.Profile, Pin: r.Pin})
		}
	}
	return out
}

func isDelimiter(s string) bool {
	if len(s) < 3 {
		return false
	}
	return strings.Trim(s, "-") == "" || strings.Trim(s, "=") == ""
}

func splitLabel(s string) (string, string, bool) {
	name, value, ok := strings.Cut(s, ":")
	if !ok {
		return "", "", false
	}
	name = strings.TrimSpace(name)
	value = strings.TrimSpace(value)
	for _, l := range []string{LabelService, LabelEmail, LabelProfile, LabelPIN} {
		if strings.EqualFold(name, l) {
			return l, value, true
		}
	}
	return "", "", false
}
