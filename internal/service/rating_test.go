package service

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"telegram-queue-bot/internal/domain"
)

const ratingContentXML = `<?xml version="1.0" encoding="UTF-8"?>
<office:document-content
 xmlns:office="urn:oasis:names:tc:opendocument:xmlns:office:1.0"
 xmlns:table="urn:oasis:names:tc:opendocument:xmlns:table:1.0"
 xmlns:text="urn:oasis:names:tc:opendocument:xmlns:text:1.0">
 <office:body>
  <office:spreadsheet>
   <table:table table:name="25КБ-1 ЯП">
    <table:table-row table:number-rows-repeated="34">
     <table:table-cell table:number-columns-repeated="3"/>
    </table:table-row>
    <table:table-row>
     <table:table-cell><text:p>№</text:p></table:table-cell>
     <table:table-cell><text:p>ФИО</text:p></table:table-cell>
     <table:table-cell><text:p>Баллы</text:p></table:table-cell>
    </table:table-row>
    <table:table-row>
     <table:table-cell><text:p>1</text:p></table:table-cell>
     <table:table-cell><text:p>Иванов Иван</text:p></table:table-cell>
     <table:table-cell><text:p>5,50</text:p></table:table-cell>
    </table:table-row>
    <table:table-row>
     <table:table-cell><text:p>2</text:p></table:table-cell>
     <table:table-cell><text:p>Петров Пётр</text:p></table:table-cell>
     <table:table-cell><text:p>3,25</text:p></table:table-cell>
    </table:table-row>
    <table:table-row>
     <table:table-cell><text:p>итого</text:p></table:table-cell>
     <table:table-cell/>
     <table:table-cell><text:p>8,75</text:p></table:table-cell>
    </table:table-row>
   </table:table>
  </office:spreadsheet>
 </office:body>
</office:document-content>`

func buildODS(t *testing.T, contentXML string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("content.xml")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte(contentXML)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestParseODS(t *testing.T) {
	scores, err := parseODS(buildODS(t, ratingContentXML), "25КБ-1 ЯП", 35)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := map[string]float64{
		"Иванов Иван": 5.5,
		"Петров Пётр": 3.25,
	}
	if !reflect.DeepEqual(scores, want) {
		t.Fatalf("scores = %v, want %v", scores, want)
	}
}

func TestParseODSMissingSheet(t *testing.T) {
	if _, err := parseODS(buildODS(t, ratingContentXML), "другая группа", 35); err == nil {
		t.Fatal("missing sheet did not error")
	}
}

func TestParseODSNotAnArchive(t *testing.T) {
	if _, err := parseODS([]byte("plain text"), "25КБ-1 ЯП", 35); err == nil {
		t.Fatal("non-zip input did not error")
	}
}

func ratingTestConfig() RatingConfig {
	return RatingConfig{
		FolderURL: "https://disk.example/public",
		FileName:  "rating.ods",
		Sheet:     "25КБ-1 ЯП",
		Subject:   "ЯП",
		StartRow:  35,
	}
}

func TestUpdateReplacesCacheWholesale(t *testing.T) {
	ods := buildODS(t, ratingContentXML)
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/list", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"_embedded":{"items":[{"name":"rating.ods","file":"%s/file"}]}}`, srv.URL)
	})
	mux.HandleFunc("/file", func(w http.ResponseWriter, r *http.Request) {
		w.Write(ods)
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	store := &memStore{ratings: domain.Ratings{"ЯП": {"Выбывший Студент": 1.0}}}
	svc := NewRatingService(store, ratingTestConfig(), testLogger())
	svc.apiBase = srv.URL + "/list"

	scores, err := svc.Update(context.Background())
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	want := map[string]float64{"Иванов Иван": 5.5, "Петров Пётр": 3.25}
	if !reflect.DeepEqual(scores, want) {
		t.Fatalf("scores = %v, want %v", scores, want)
	}

	// The old table is replaced, not merged, and the new one is cached
	// on disk.
	if got := svc.Cached("ЯП"); !reflect.DeepEqual(got, want) {
		t.Fatalf("cached = %v, want %v", got, want)
	}
	if !reflect.DeepEqual(store.ratings["ЯП"], want) {
		t.Fatalf("persisted = %v, want %v", store.ratings["ЯП"], want)
	}
}

func TestUpdateFailureKeepsCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	old := map[string]float64{"Иванов Иван": 5.5}
	store := &memStore{ratings: domain.Ratings{"ЯП": old}}
	svc := NewRatingService(store, ratingTestConfig(), testLogger())
	svc.apiBase = srv.URL

	if _, err := svc.Update(context.Background()); err == nil {
		t.Fatal("update against a dead source succeeded")
	}
	if got := svc.Cached("ЯП"); !reflect.DeepEqual(got, old) {
		t.Fatalf("cache changed on failure: %v", got)
	}
}

func TestUpdateRejectsEmptySheet(t *testing.T) {
	// A sheet whose data range holds no score rows is an error, not an
	// empty replacement.
	content := `<?xml version="1.0"?>
<office:document-content xmlns:office="urn:oasis:names:tc:opendocument:xmlns:office:1.0"
 xmlns:table="urn:oasis:names:tc:opendocument:xmlns:table:1.0"
 xmlns:text="urn:oasis:names:tc:opendocument:xmlns:text:1.0">
 <office:body><office:spreadsheet>
  <table:table table:name="25КБ-1 ЯП">
   <table:table-row><table:table-cell table:number-columns-repeated="3"/></table:table-row>
  </table:table>
 </office:spreadsheet></office:body>
</office:document-content>`
	ods := buildODS(t, content)
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/list", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"_embedded":{"items":[{"name":"rating.ods","file":"%s/file"}]}}`, srv.URL)
	})
	mux.HandleFunc("/file", func(w http.ResponseWriter, r *http.Request) {
		w.Write(ods)
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	cfg := ratingTestConfig()
	cfg.StartRow = 1
	store := &memStore{}
	svc := NewRatingService(store, cfg, testLogger())
	svc.apiBase = srv.URL + "/list"

	if _, err := svc.Update(context.Background()); err == nil {
		t.Fatal("empty sheet did not error")
	}
}

func TestTopMessages(t *testing.T) {
	svc := NewRatingService(&memStore{}, ratingTestConfig(), testLogger())
	msgs := svc.TopMessages(map[string]float64{
		"Иванов Иван":   5.5,
		"Петров Пётр":   3.25,
		"Сидорова Анна": 4.0,
		"Кузнецов Олег": 4.0,
	})
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	msg := msgs[0]
	if !strings.HasPrefix(msg, "<b>Рейтинг по ЯП :</b>") {
		t.Fatalf("header missing: %q", msg)
	}
	for _, line := range []string{
		"🥇 <b>Иванов</b> — 5.50 лаб",
		"🥈 <b>Кузнецов</b> — 4.00 лаб",
		"🥉 <b>Сидорова</b> — 4.00 лаб",
		"4. <b>Петров</b> — 3.25 лаб",
	} {
		if !strings.Contains(msg, line) {
			t.Fatalf("line %q missing in %q", line, msg)
		}
	}
	// Ties break alphabetically by surname.
	if strings.Index(msg, "Кузнецов") > strings.Index(msg, "Сидорова") {
		t.Fatal("tie order wrong")
	}
}

func TestTopMessagesChunking(t *testing.T) {
	svc := NewRatingService(&memStore{}, ratingTestConfig(), testLogger())
	scores := make(map[string]float64, 30)
	for i := 0; i < 30; i++ {
		scores[fmt.Sprintf("Студент%02d Имя", i)] = float64(100 - i)
	}
	msgs := svc.TopMessages(scores)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if !strings.HasPrefix(msgs[1], "<b>Рейтинг по ЯП :</b>") {
		t.Fatalf("second chunk has no header: %q", msgs[1])
	}
	if !strings.Contains(msgs[1], "28. <b>") {
		t.Fatalf("second chunk does not continue numbering: %q", msgs[1])
	}
	if strings.Contains(msgs[1], "🥇") {
		t.Fatal("medal leaked into the second chunk")
	}
}
