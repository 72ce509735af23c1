package postgres

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"medsched/backend/internal/domain"
	"medsched/backend/internal/store"
)

func TestPostgresIntegration_InsertOverlapAndIdempotency(t *testing.T) {
	databaseURL := strings.TrimSpace(os.Getenv("MEDSCHED_TEST_DATABASE_URL"))
	if databaseURL == "" {
		t.Skip("MEDSCHED_TEST_DATABASE_URL not set")
	}

	db, err := Open(databaseURL, PoolConfig{MaxOpenConns: 1})
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() {
		_ = Close(db)
	})

	schema := "medsched_test_" + randomHex(t, 8)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = db.NewRaw("DROP SCHEMA IF EXISTS " + schema + " CASCADE").Exec(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err = db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewRaw("CREATE SCHEMA " + schema).Exec(ctx); err != nil {
			return err
		}
		if _, err := tx.NewRaw("SET LOCAL search_path TO " + schema).Exec(ctx); err != nil {
			return err
		}
		if err := applyEmbeddedMigrations(ctx, tx); err != nil {
			return err
		}

		c := calendarTx{tx: tx}

		doctorID := "doc-1"
		start := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
		end := start.Add(time.Hour)

		a1, err := c.InsertAppointment(ctx, domain.Appointment{
			ID:        uuid.MustParse("00000000-0000-0000-0000-000000000901"),
			DoctorID:  doctorID,
			PatientID: "pat-1",
			Type:      "consultation",
			StartTime: start,
			EndTime:   end,
			Status:    domain.AppointmentStatusScheduled,
		})
		if err != nil {
			return err
		}

		busy, err := c.BusyIntervals(ctx, doctorID, start.Add(-time.Minute), end.Add(time.Minute))
		if err != nil {
			return err
		}
		if len(busy) != 1 || busy[0].AppointmentID != a1.ID {
			return fmt.Errorf("busy = %+v, want the inserted row", busy)
		}

		// Overlapping insert trips the exclusion constraint, and the
		// transaction stays usable after the savepoint rollback.
		_, err = c.InsertAppointment(ctx, domain.Appointment{
			ID:        uuid.MustParse("00000000-0000-0000-0000-000000000902"),
			DoctorID:  doctorID,
			PatientID: "pat-2",
			Type:      "consultation",
			StartTime: start.Add(30 * time.Minute),
			EndTime:   end.Add(30 * time.Minute),
			Status:    domain.AppointmentStatusScheduled,
		})
		if err != store.ErrConflict {
			return fmt.Errorf("overlap err = %v, want %v", err, store.ErrConflict)
		}

		// Back-to-back is fine.
		a2, err := c.InsertAppointment(ctx, domain.Appointment{
			ID:        uuid.MustParse("00000000-0000-0000-0000-000000000903"),
			DoctorID:  doctorID,
			PatientID: "pat-2",
			Type:      "consultation",
			StartTime: end,
			EndTime:   end.Add(time.Hour),
			Status:    domain.AppointmentStatusScheduled,
		})
		if err != nil {
			return err
		}

		// Replaying the same row is idempotent.
		replayed, err := c.InsertAppointment(ctx, domain.Appointment{
			ID:        a1.ID,
			DoctorID:  doctorID,
			PatientID: "pat-1",
			Type:      "consultation",
			StartTime: start,
			EndTime:   end,
			Status:    domain.AppointmentStatusScheduled,
		})
		if err != nil {
			return err
		}
		if replayed.ID != a1.ID {
			return fmt.Errorf("replayed id = %s, want %s", replayed.ID, a1.ID)
		}

		// Same key, different payload.
		_, err = c.InsertAppointment(ctx, domain.Appointment{
			ID:        a1.ID,
			DoctorID:  doctorID,
			PatientID: "pat-9",
			Type:      "consultation",
			StartTime: start,
			EndTime:   end,
			Status:    domain.AppointmentStatusScheduled,
		})
		if err != store.ErrIdempotencyConflict {
			return fmt.Errorf("idempotency err = %v, want %v", err, store.ErrIdempotencyConflict)
		}

		// Cancelled rows leave the busy set and free their slot.
		a2.Status = domain.AppointmentStatusCancelled
		if _, err := c.UpdateAppointment(ctx, a2); err != nil {
			return err
		}
		_, err = c.InsertAppointment(ctx, domain.Appointment{
			ID:        uuid.MustParse("00000000-0000-0000-0000-000000000904"),
			DoctorID:  doctorID,
			PatientID: "pat-3",
			Type:      "consultation",
			StartTime: a2.StartTime,
			EndTime:   a2.EndTime,
			Status:    domain.AppointmentStatusScheduled,
		})
		if err != nil {
			return fmt.Errorf("insert into cancelled slot: %w", err)
		}

		return nil
	})
	if err != nil {
		t.Fatalf("tx error: %v", err)
	}
}

func TestPostgresIntegration_SeriesCancel(t *testing.T) {
	databaseURL := strings.TrimSpace(os.Getenv("MEDSCHED_TEST_DATABASE_URL"))
	if databaseURL == "" {
		t.Skip("MEDSCHED_TEST_DATABASE_URL not set")
	}

	db, err := Open(databaseURL, PoolConfig{MaxOpenConns: 1})
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() {
		_ = Close(db)
	})

	schema := "medsched_test_" + randomHex(t, 8)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = db.NewRaw("DROP SCHEMA IF EXISTS " + schema + " CASCADE").Exec(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err = db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewRaw("CREATE SCHEMA " + schema).Exec(ctx); err != nil {
			return err
		}
		if _, err := tx.NewRaw("SET LOCAL search_path TO " + schema).Exec(ctx); err != nil {
			return err
		}
		if err := applyEmbeddedMigrations(ctx, tx); err != nil {
			return err
		}

		c := calendarTx{tx: tx}
		doctorID := "doc-1"
		start := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)

		master, err := c.InsertAppointment(ctx, domain.Appointment{
			DoctorID:  doctorID,
			PatientID: "pat-1",
			Type:      "consultation",
			StartTime: start,
			EndTime:   start.Add(30 * time.Minute),
			Status:    domain.AppointmentStatusScheduled,
		})
		if err != nil {
			return err
		}
		for day := 1; day <= 3; day++ {
			_, err := c.InsertAppointment(ctx, domain.Appointment{
				DoctorID:          doctorID,
				PatientID:         "pat-1",
				Type:              "consultation",
				StartTime:         start.AddDate(0, 0, day),
				EndTime:           start.AddDate(0, 0, day).Add(30 * time.Minute),
				Status:            domain.AppointmentStatusScheduled,
				RecurringSeriesID: &master.ID,
			})
			if err != nil {
				return err
			}
		}

		n, err := c.CancelSeries(ctx, doctorID, master.ID, true, start.AddDate(0, 0, 2))
		if err != nil {
			return err
		}
		if n != 2 {
			return fmt.Errorf("future-only cancelled = %d, want 2", n)
		}

		n, err = c.CancelSeries(ctx, doctorID, master.ID, false, start)
		if err != nil {
			return err
		}
		if n != 2 {
			return fmt.Errorf("remaining cancelled = %d, want 2", n)
		}

		// Deleting the master orphans the siblings rather than cascading.
		if err := c.DeleteAppointment(ctx, doctorID, master.ID); err != nil {
			return err
		}
		var orphans int
		orphans, err = tx.NewSelect().
			Model((*domain.Appointment)(nil)).
			Where("recurring_series_id IS NOT NULL").
			Count(ctx)
		if err != nil {
			return err
		}
		if orphans != 0 {
			return fmt.Errorf("orphaned rows still reference the series: %d", orphans)
		}

		return nil
	})
	if err != nil {
		t.Fatalf("tx error: %v", err)
	}
}

func randomHex(t *testing.T, bytesLen int) string {
	t.Helper()
	b := make([]byte, bytesLen)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand.Read error: %v", err)
	}
	return hex.EncodeToString(b)
}

// applyEmbeddedMigrations replays the goose Up sections of the embedded
// migrations inside the current transaction, so each test run works against
// a throwaway schema without touching goose's version table.
func applyEmbeddedMigrations(ctx context.Context, tx bun.Tx) error {
	entries, err := fs.ReadDir(migrations, "migrations")
	if err != nil {
		return err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		b, err := fs.ReadFile(migrations, "migrations/"+name)
		if err != nil {
			return err
		}
		upSQL, err := extractGooseUp(string(b))
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		for _, stmt := range splitSQLStatements(upSQL) {
			if normalized, ok := normalizeExtensionStatement(stmt); ok {
				stmt = normalized
			}
			if _, err := tx.NewRaw(stmt).Exec(ctx); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
	}
	return nil
}

func extractGooseUp(sql string) (string, error) {
	upMarker := "-- +goose Up"
	downMarker := "-- +goose Down"

	upIdx := strings.Index(sql, upMarker)
	if upIdx < 0 {
		return "", fmt.Errorf("missing goose up marker")
	}
	afterUp := sql[upIdx+len(upMarker):]
	afterUp = strings.TrimLeft(afterUp, "\r\n")

	downIdx := strings.Index(afterUp, downMarker)
	if downIdx < 0 {
		return strings.TrimSpace(afterUp), nil
	}
	return strings.TrimSpace(afterUp[:downIdx]), nil
}

// The btree_gist extension must land in a real schema; the test schema is
// dropped afterwards, so it is pinned to public.
func normalizeExtensionStatement(stmt string) (string, bool) {
	s := strings.TrimSpace(stmt)
	upper := strings.ToUpper(s)
	if !strings.HasPrefix(upper, "CREATE EXTENSION") {
		return "", false
	}
	if !strings.Contains(upper, "BTREE_GIST") {
		return "", false
	}
	if strings.Contains(upper, " SCHEMA ") {
		return "", false
	}
	return s + " SCHEMA public", true
}

func splitSQLStatements(sql string) []string {
	parts := strings.Split(sql, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}
