package atlas

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	_ "modernc.org/sqlite"

	"gmseg/internal/models"
	"gmseg/pkg/normalize"
	"gmseg/pkg/pca"
)

// schemaVersion is bumped whenever the table layout changes
const schemaVersion = 1

// Store persists atlas models in a SQLite database
type Store struct {
	db     *sql.DB
	dbPath string
}

// Open opens or creates the database at path
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// initialize creates the required tables
func (s *Store) initialize() error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS slices (
			idx INTEGER PRIMARY KEY,
			level REAL,
			coords BLOB NOT NULL,
			image BLOB NOT NULL,
			gm BLOB NOT NULL,
			wm BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS intensities (
			level INTEGER PRIMARY KEY,
			gm REAL NOT NULL,
			wm REAL NOT NULL,
			min REAL NOT NULL,
			max REAL NOT NULL,
			mean_gm BLOB NOT NULL,
			mean_wm BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS projection (
			component INTEGER PRIMARY KEY,
			variance REAL NOT NULL,
			vector BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS vectors (
			name TEXT PRIMARY KEY,
			data BLOB NOT NULL
		)`,
	}
	for _, table := range tables {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file
func (s *Store) Path() string {
	return s.dbPath
}

// Save replaces the stored model in a single transaction
func (s *Store) Save(ctx context.Context, m *Model) (err error) {
	if err := m.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	for _, table := range []string{"meta", "slices", "intensities", "projection", "vectors"} {
		if _, err = tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	meta := map[string]string{
		"version":        strconv.Itoa(schemaVersion),
		"axial_res":      strconv.FormatFloat(m.AxialRes, 'g', -1, 64),
		"square_size_mm": strconv.FormatFloat(m.SquareSizeMM, 'g', -1, 64),
		"size":           strconv.Itoa(m.Size()),
	}
	for k, v := range meta {
		if _, err = tx.ExecContext(ctx, "INSERT INTO meta (key, value) VALUES (?, ?)", k, v); err != nil {
			return fmt.Errorf("failed to store %s: %w", k, err)
		}
	}

	for _, sl := range m.Slices {
		var level sql.NullFloat64
		if !math.IsNaN(sl.Level) {
			level = sql.NullFloat64{Float64: sl.Level, Valid: true}
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO slices (idx, level, coords, image, gm, wm) VALUES (?, ?, ?, ?, ?, ?)",
			sl.Index, level, encodeFloats(sl.Coords), encodeFloats(sl.Image.Data),
			encodeFloats(sl.GM.Data), encodeFloats(sl.WM.Data))
		if err != nil {
			return fmt.Errorf("failed to store slice %d: %w", sl.Index, err)
		}
	}

	for key, st := range m.Intensities {
		masks, ok := m.MeanMasks[key]
		if !ok {
			masks = m.MeanMasks[normalize.PooledLevel]
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO intensities (level, gm, wm, min, max, mean_gm, mean_wm) VALUES (?, ?, ?, ?, ?, ?, ?)",
			key, st.GM, st.WM, st.Min, st.Max, encodeFloats(masks.GM.Data), encodeFloats(masks.WM.Data))
		if err != nil {
			return fmt.Errorf("failed to store level %d statistics: %w", key, err)
		}
	}

	for c, vec := range m.Projection.Components {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO projection (component, variance, vector) VALUES (?, ?, ?)",
			c, m.Projection.Variances[c], encodeFloats(vec))
		if err != nil {
			return fmt.Errorf("failed to store component %d: %w", c, err)
		}
	}

	vectors := map[string][]float64{
		"mean_image":      m.MeanImage.Data,
		"projection_mean": m.Projection.Mean,
	}
	for name, data := range vectors {
		if _, err = tx.ExecContext(ctx, "INSERT INTO vectors (name, data) VALUES (?, ?)", name, encodeFloats(data)); err != nil {
			return fmt.Errorf("failed to store %s: %w", name, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit atlas: %w", err)
	}
	return nil
}

// Load reads the stored model and validates it
func (s *Store) Load(ctx context.Context) (*Model, error) {
	meta, err := s.loadMeta(ctx)
	if err != nil {
		return nil, err
	}
	if meta["version"] != strconv.Itoa(schemaVersion) {
		return nil, fmt.Errorf("%w: schema version %q", ErrInvalidAtlas, meta["version"])
	}

	m := &Model{
		Intensities: make(map[int]normalize.Stats),
		MeanMasks:   make(map[int]Masks),
	}
	if m.AxialRes, err = strconv.ParseFloat(meta["axial_res"], 64); err != nil {
		return nil, fmt.Errorf("%w: axial_res: %v", ErrInvalidAtlas, err)
	}
	if m.SquareSizeMM, err = strconv.ParseFloat(meta["square_size_mm"], 64); err != nil {
		return nil, fmt.Errorf("%w: square_size_mm: %v", ErrInvalidAtlas, err)
	}
	size, err := strconv.Atoi(meta["size"])
	if err != nil || size <= 0 {
		return nil, fmt.Errorf("%w: size %q", ErrInvalidAtlas, meta["size"])
	}

	grid := func(blob []byte) (models.Grid, error) {
		data, err := decodeFloats(blob)
		if err != nil {
			return models.Grid{}, err
		}
		g := models.Grid{Data: data, Width: size, Height: size}
		if err := g.Validate(); err != nil {
			return models.Grid{}, fmt.Errorf("%w: %v", ErrInvalidAtlas, err)
		}
		return g, nil
	}

	if err := s.loadSlices(ctx, m, grid); err != nil {
		return nil, err
	}
	if err := s.loadIntensities(ctx, m, grid); err != nil {
		return nil, err
	}
	if err := s.loadProjection(ctx, m, grid); err != nil {
		return nil, err
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) loadMeta(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM meta")
	if err != nil {
		return nil, fmt.Errorf("failed to query meta: %w", err)
	}
	defer rows.Close()

	meta := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan meta: %w", err)
		}
		meta[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(meta) == 0 {
		return nil, fmt.Errorf("%w: %s holds no atlas", ErrInvalidAtlas, filepath.Base(s.dbPath))
	}
	return meta, nil
}

func (s *Store) loadSlices(ctx context.Context, m *Model, grid func([]byte) (models.Grid, error)) error {
	rows, err := s.db.QueryContext(ctx, "SELECT idx, level, coords, image, gm, wm FROM slices ORDER BY idx")
	if err != nil {
		return fmt.Errorf("failed to query slices: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			sl                    models.AtlasSlice
			level                 sql.NullFloat64
			coords, image, gm, wm []byte
		)
		if err := rows.Scan(&sl.Index, &level, &coords, &image, &gm, &wm); err != nil {
			return fmt.Errorf("failed to scan slice: %w", err)
		}
		sl.Level = math.NaN()
		if level.Valid {
			sl.Level = level.Float64
		}
		if sl.Coords, err = decodeFloats(coords); err != nil {
			return err
		}
		if sl.Image, err = grid(image); err != nil {
			return err
		}
		if sl.GM, err = grid(gm); err != nil {
			return err
		}
		if sl.WM, err = grid(wm); err != nil {
			return err
		}
		m.Slices = append(m.Slices, sl)
	}
	return rows.Err()
}

func (s *Store) loadIntensities(ctx context.Context, m *Model, grid func([]byte) (models.Grid, error)) error {
	rows, err := s.db.QueryContext(ctx, "SELECT level, gm, wm, min, max, mean_gm, mean_wm FROM intensities")
	if err != nil {
		return fmt.Errorf("failed to query intensities: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key            int
			st             normalize.Stats
			meanGM, meanWM []byte
		)
		if err := rows.Scan(&key, &st.GM, &st.WM, &st.Min, &st.Max, &meanGM, &meanWM); err != nil {
			return fmt.Errorf("failed to scan intensities: %w", err)
		}
		var masks Masks
		if masks.GM, err = grid(meanGM); err != nil {
			return err
		}
		if masks.WM, err = grid(meanWM); err != nil {
			return err
		}
		m.Intensities[key] = st
		m.MeanMasks[key] = masks
	}
	return rows.Err()
}

func (s *Store) loadProjection(ctx context.Context, m *Model, grid func([]byte) (models.Grid, error)) error {
	vectors := make(map[string][]byte)
	rows, err := s.db.QueryContext(ctx, "SELECT name, data FROM vectors")
	if err != nil {
		return fmt.Errorf("failed to query vectors: %w", err)
	}
	for rows.Next() {
		var name string
		var data []byte
		if err := rows.Scan(&name, &data); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan vector: %w", err)
		}
		vectors[name] = data
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if m.MeanImage, err = grid(vectors["mean_image"]); err != nil {
		return fmt.Errorf("mean image: %w", err)
	}
	p := &pca.Projection{}
	if p.Mean, err = decodeFloats(vectors["projection_mean"]); err != nil {
		return fmt.Errorf("projection mean: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, "SELECT variance, vector FROM projection ORDER BY component")
	if err != nil {
		return fmt.Errorf("failed to query projection: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var variance float64
		var blob []byte
		if err := rows.Scan(&variance, &blob); err != nil {
			return fmt.Errorf("failed to scan component: %w", err)
		}
		vec, err := decodeFloats(blob)
		if err != nil {
			return err
		}
		if len(vec) != len(p.Mean) {
			return fmt.Errorf("%w: component of length %d, expected %d", ErrInvalidAtlas, len(vec), len(p.Mean))
		}
		p.Components = append(p.Components, vec)
		p.Variances = append(p.Variances, variance)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	m.Projection = p
	return nil
}

// Load opens the database at path and reads the model
func Load(ctx context.Context, path string) (*Model, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s does not exist", ErrInvalidAtlas, path)
		}
		return nil, err
	}
	s, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return s.Load(ctx)
}

// encodeFloats stores values as little-endian float64
func encodeFloats(values []float64) []byte {
	buf := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

func decodeFloats(buf []byte) ([]float64, error) {
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("%w: blob of %d bytes is not a float64 array", ErrInvalidAtlas, len(buf))
	}
	values := make([]float64, len(buf)/8)
	for i := range values {
		values[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return values, nil
}
