package service

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"telegram-queue-bot/internal/domain"
)

const yandexPublicAPI = "https://cloud-api.yandex.net/v1/disk/public/resources"

// RatingConfig points at the spreadsheet inside a public Yandex.Disk
// folder and names the sheet and data range to read from it.
type RatingConfig struct {
	FolderURL string
	FileName  string
	Sheet     string
	Subject   string
	StartRow  int
	Timeout   time.Duration
}

// RatingService keeps the name->score table for each subject,
// refreshed on demand from the external sheet and cached on disk. A
// failed refresh leaves the previous table in place.
type RatingService struct {
	mu      sync.Mutex
	store   domain.RatingStore
	client  *http.Client
	cfg     RatingConfig
	apiBase string
	ratings domain.Ratings
	log     *slog.Logger
}

func NewRatingService(store domain.RatingStore, cfg RatingConfig, log *slog.Logger) *RatingService {
	if cfg.StartRow <= 0 {
		cfg.StartRow = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &RatingService{
		store:   store,
		client:  &http.Client{Timeout: cfg.Timeout},
		cfg:     cfg,
		apiBase: yandexPublicAPI,
		ratings: store.LoadRatings(),
		log:     log,
	}
}

// Subject returns the subject key refreshes are written under.
func (r *RatingService) Subject() string {
	return r.cfg.Subject
}

// Cached returns a copy of the subject's score table, empty when no
// refresh has succeeded yet.
func (r *RatingService) Cached(subject string) map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]float64, len(r.ratings[subject]))
	for name, score := range r.ratings[subject] {
		out[name] = score
	}
	return out
}

// Update downloads the sheet, parses it, and replaces the subject's
// cached table wholesale. On any failure the cache stays as it was and
// the error is returned for the operator to see.
func (r *RatingService) Update(ctx context.Context) (map[string]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	fileURL, err := r.resolveFileURL(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve rating sheet: %w", err)
	}
	data, err := r.download(ctx, fileURL)
	if err != nil {
		return nil, fmt.Errorf("download rating sheet: %w", err)
	}
	scores, err := parseODS(data, r.cfg.Sheet, r.cfg.StartRow)
	if err != nil {
		return nil, fmt.Errorf("parse rating sheet: %w", err)
	}
	if len(scores) == 0 {
		return nil, fmt.Errorf("rating sheet %q has no score rows", r.cfg.Sheet)
	}

	r.mu.Lock()
	r.ratings[r.cfg.Subject] = scores
	snapshot := make(domain.Ratings, len(r.ratings))
	for subject, table := range r.ratings {
		snapshot[subject] = table
	}
	r.mu.Unlock()

	if err := r.store.SaveRatings(snapshot); err != nil {
		r.log.Error("rating cache write failed", "err", err)
	}
	r.log.Info("rating updated", "subject", r.cfg.Subject, "students", len(scores))
	return scores, nil
}

// resolveFileURL lists the public folder and returns the direct
// download link for the configured file name.
func (r *RatingService) resolveFileURL(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		r.apiBase+"?public_key="+url.QueryEscape(strings.TrimSpace(r.cfg.FolderURL)), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("folder listing: status %s", resp.Status)
	}

	var listing struct {
		Embedded struct {
			Items []struct {
				Name string `json:"name"`
				File string `json:"file"`
			} `json:"items"`
		} `json:"_embedded"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return "", fmt.Errorf("decode folder listing: %w", err)
	}
	for _, item := range listing.Embedded.Items {
		if item.Name == r.cfg.FileName {
			return item.File, nil
		}
	}
	return "", fmt.Errorf("file %q not found in public folder", r.cfg.FileName)
}

func (r *RatingService) download(ctx context.Context, fileURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// ODS is a zip archive; the cell data lives in content.xml. Only the
// attributes and elements the score extraction needs are mapped.
type odsContent struct {
	Tables []odsTable `xml:"body>spreadsheet>table"`
}

type odsTable struct {
	Name string   `xml:"name,attr"`
	Rows []odsRow `xml:"table-row"`
}

type odsRow struct {
	Repeat int       `xml:"number-rows-repeated,attr"`
	Cells  []odsCell `xml:"table-cell"`
}

type odsCell struct {
	Repeat     int      `xml:"number-columns-repeated,attr"`
	Paragraphs []string `xml:"p"`
}

func (c odsCell) text() string {
	return strings.TrimSpace(strings.Join(c.Paragraphs, ""))
}

// parseODS reads score rows from the named sheet starting at startRow
// (1-based). Column A must be non-empty and not the totals marker,
// column B holds the full name (the header row says "ФИО"), column C
// the score with a comma decimal separator.
func parseODS(data []byte, sheetName string, startRow int) (map[string]float64, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open ods archive: %w", err)
	}
	var content *zip.File
	for _, f := range zr.File {
		if f.Name == "content.xml" {
			content = f
			break
		}
	}
	if content == nil {
		return nil, fmt.Errorf("ods archive has no content.xml")
	}
	rc, err := content.Open()
	if err != nil {
		return nil, fmt.Errorf("open content.xml: %w", err)
	}
	defer rc.Close()

	var doc odsContent
	if err := xml.NewDecoder(rc).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode content.xml: %w", err)
	}

	var sheet *odsTable
	names := make([]string, 0, len(doc.Tables))
	for i := range doc.Tables {
		names = append(names, doc.Tables[i].Name)
		if doc.Tables[i].Name == sheetName {
			sheet = &doc.Tables[i]
			break
		}
	}
	if sheet == nil {
		return nil, fmt.Errorf("sheet %q not found, available: %s", sheetName, strings.Join(names, ", "))
	}

	scores := make(map[string]float64)
	rowNum := 0
	for _, row := range sheet.Rows {
		repeat := row.Repeat
		if repeat < 1 {
			repeat = 1
		}
		rowNum += repeat
		if rowNum < startRow {
			continue
		}

		cols := expandCells(row.Cells, 3)
		a, b, c := cols[0], cols[1], cols[2]
		if a == "" || a == "итого" {
			continue
		}
		if b == "" || b == "ФИО" {
			continue
		}
		score, err := strconv.ParseFloat(strings.ReplaceAll(c, ",", "."), 64)
		if err != nil {
			continue
		}
		scores[b] = score
	}
	return scores, nil
}

// expandCells resolves number-columns-repeated into the first n
// column texts.
func expandCells(cells []odsCell, n int) []string {
	out := make([]string, n)
	col := 0
	for _, cell := range cells {
		repeat := cell.Repeat
		if repeat < 1 {
			repeat = 1
		}
		for i := 0; i < repeat && col < n; i++ {
			out[col] = cell.text()
			col++
		}
		if col >= n {
			break
		}
	}
	return out
}

// ratingChunkSize keeps each report message inside Telegram's limits
// with HTML markup applied.
const ratingChunkSize = 27

// TopMessages formats a freshly parsed score table into report
// messages: surnames sorted by score, medals for the podium, chunks of
// ratingChunkSize rows.
func (r *RatingService) TopMessages(scores map[string]float64) []string {
	bySurname := make(map[string]float64, len(scores))
	for fullName, score := range scores {
		surname := fullName
		if fields := strings.Fields(fullName); len(fields) > 0 {
			surname = fields[0]
		}
		bySurname[surname] = score
	}

	type entry struct {
		surname string
		score   float64
	}
	sorted := make([]entry, 0, len(bySurname))
	for surname, score := range bySurname {
		sorted = append(sorted, entry{surname, score})
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].score != sorted[j].score {
			return sorted[i].score > sorted[j].score
		}
		return sorted[i].surname < sorted[j].surname
	})

	var messages []string
	for start := 0; start < len(sorted); start += ratingChunkSize {
		end := start + ratingChunkSize
		if end > len(sorted) {
			end = len(sorted)
		}
		var b strings.Builder
		fmt.Fprintf(&b, "<b>Рейтинг по %s :</b>\n\n", r.cfg.Subject)
		for i, e := range sorted[start:end] {
			rank := start + i + 1
			medal := fmt.Sprintf("%d.", rank)
			switch rank {
			case 1:
				medal = "🥇"
			case 2:
				medal = "🥈"
			case 3:
				medal = "🥉"
			}
			fmt.Fprintf(&b, "%s <b>%s</b> — %.2f лаб\n", medal, e.surname, e.score)
		}
		messages = append(messages, b.String())
	}
	return messages
}
