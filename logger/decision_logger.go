package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

func init() {
	// modernc registers itself as "sqlite", which sqlx does not know by default
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// DecisionRecord one decision cycle
type DecisionRecord struct {
	Timestamp       time.Time        `json:"timestamp"`
	CycleNumber     int              `json:"cycle_number"`
	SystemPrompt    string           `json:"system_prompt"`
	InputPrompt     string           `json:"input_prompt"`     // User prompt sent to the reasoning service
	RawResponse     string           `json:"raw_response"`     // Raw response (for debugging parsing failures)
	CandidateAssets []string         `json:"candidate_assets"` // Identifiers considered this cycle
	Account         AccountSnapshot  `json:"account"`
	Decisions       []DecisionAction `json:"decisions"`
	ExecutionLog    []string         `json:"execution_log"`
	Success         bool             `json:"success"`
	ErrorMessage    string           `json:"error_message"`
}

// AccountSnapshot capital state after the cycle
type AccountSnapshot struct {
	TotalCapital  float64 `json:"total_capital"`
	Allocated     float64 `json:"allocated"`
	Available     float64 `json:"available"`
	Realized      float64 `json:"realized"`
	PositionCount int     `json:"position_count"`
}

// DecisionAction one decision and what executing it did
type DecisionAction struct {
	Identifier   string    `json:"identifier"`
	Action       string    `json:"action"`        // open, close, hold
	PositionType string    `json:"position_type"` // long, short or empty
	Source       string    `json:"source"`        // ai, fallback
	Confidence   float64   `json:"confidence"`
	Reasoning    string    `json:"reasoning"`
	Price        float64   `json:"price"`
	Size         float64   `json:"size"`
	PnL          float64   `json:"pnl"`
	Timestamp    time.Time `json:"timestamp"`
	Success      bool      `json:"success"`
	Error        string    `json:"error"`
}

// LiquidationRecord end-of-session liquidation
type LiquidationRecord struct {
	Timestamp   time.Time        `json:"timestamp"`
	ClosedCount int              `json:"closed_count"`
	TotalPnL    float64          `json:"total_pnl"`
	Positions   []DecisionAction `json:"positions"`
}

// DecisionLogger decision journal (SQLite by default, PostgreSQL when a database URL is given)
type DecisionLogger struct {
	db          *sqlx.DB
	logDir      string
	isPostgres  bool
	mu          sync.Mutex
	cycleNumber int
}

// NewDecisionLogger opens the journal. A non-empty databaseURL selects PostgreSQL; if it
// cannot be reached the journal falls back to SQLite under logDir.
func NewDecisionLogger(logDir, databaseURL string) (*DecisionLogger, error) {
	if logDir == "" {
		logDir = "decision_logs"
	}
	l := &DecisionLogger{logDir: logDir}

	if databaseURL != "" {
		db, err := openPostgres(databaseURL)
		if err != nil {
			log.Warn().Err(err).Str("url", maskConnectionString(databaseURL)).Msg("⚠️  PostgreSQL unavailable, falling back to SQLite")
		} else {
			l.db = db
			l.isPostgres = true
			log.Info().Msg("✅ Connected to PostgreSQL decision journal")
		}
	}

	if l.db == nil {
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		dbPath := filepath.Join(logDir, "decisions.db")
		db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)")
		if err != nil {
			return nil, fmt.Errorf("failed to open SQLite database: %w", err)
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("SQLite database connection failed: %w", err)
		}
		// single writer keeps WAL contention out of the picture
		db.SetMaxOpenConns(1)
		l.db = db
	}

	if err := l.initDB(); err != nil {
		l.db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := l.restoreCycleNumber(); err != nil {
		log.Info().Err(err).Msg("ℹ️  Unable to restore previous cycle number, starting from 1")
	}
	return l, nil
}

func openPostgres(databaseURL string) (*sqlx.DB, error) {
	connString := databaseURL
	if !strings.Contains(connString, "connect_timeout") {
		if strings.Contains(connString, "?") {
			connString += "&connect_timeout=30"
		} else {
			connString += "?connect_timeout=30"
		}
	}
	db, err := sqlx.Open("postgres", connString)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(10 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// maskConnectionString masks password in connection string for logging
func maskConnectionString(connStr string) string {
	idx := strings.Index(connStr, "://")
	if idx == -1 {
		return "***"
	}
	start := idx + 3
	at := strings.Index(connStr[start:], "@")
	if at == -1 {
		return connStr
	}
	creds := connStr[start : start+at]
	colon := strings.Index(creds, ":")
	if colon == -1 {
		return connStr
	}
	return connStr[:start+colon+1] + "***" + connStr[start+at:]
}

// initDB initializes database table structure
func (l *DecisionLogger) initDB() error {
	pk := "INTEGER PRIMARY KEY AUTOINCREMENT"
	floatType := "REAL"
	if l.isPostgres {
		pk = "BIGSERIAL PRIMARY KEY"
		floatType = "DOUBLE PRECISION"
	}
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS cycles (
			id %[1]s,
			timestamp BIGINT NOT NULL,
			cycle_number INTEGER NOT NULL,
			system_prompt TEXT,
			input_prompt TEXT,
			raw_response TEXT,
			candidate_assets TEXT,
			execution_log TEXT,
			success BOOLEAN NOT NULL DEFAULT TRUE,
			error_message TEXT,
			total_capital %[2]s NOT NULL,
			allocated %[2]s NOT NULL,
			available %[2]s NOT NULL,
			realized %[2]s NOT NULL,
			position_count INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS decision_actions (
			id %[1]s,
			cycle_id BIGINT NOT NULL REFERENCES cycles(id) ON DELETE CASCADE,
			identifier TEXT NOT NULL,
			action TEXT NOT NULL,
			position_type TEXT,
			source TEXT NOT NULL,
			confidence %[2]s NOT NULL,
			reasoning TEXT,
			price %[2]s NOT NULL,
			size %[2]s NOT NULL,
			pnl %[2]s NOT NULL,
			timestamp BIGINT NOT NULL,
			success BOOLEAN NOT NULL DEFAULT TRUE,
			error TEXT
		);

		CREATE TABLE IF NOT EXISTS liquidations (
			id %[1]s,
			timestamp BIGINT NOT NULL,
			closed_count INTEGER NOT NULL,
			total_pnl %[2]s NOT NULL,
			positions TEXT
		);

		CREATE TABLE IF NOT EXISTS exits (
			id %[1]s,
			identifier TEXT NOT NULL,
			position_type TEXT,
			reason TEXT NOT NULL,
			confidence %[2]s NOT NULL,
			price %[2]s NOT NULL,
			size %[2]s NOT NULL,
			pnl %[2]s NOT NULL,
			timestamp BIGINT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_cycles_timestamp ON cycles(timestamp);
		CREATE INDEX IF NOT EXISTS idx_cycles_number ON cycles(cycle_number);
		CREATE INDEX IF NOT EXISTS idx_actions_cycle ON decision_actions(cycle_id);
	`, pk, floatType)

	_, err := l.db.Exec(schema)
	return err
}

// restoreCycleNumber continues numbering from the last journaled cycle
func (l *DecisionLogger) restoreCycleNumber() error {
	var maxCycle *int64
	if err := l.db.Get(&maxCycle, "SELECT MAX(cycle_number) FROM cycles"); err != nil {
		return err
	}
	if maxCycle != nil {
		l.cycleNumber = int(*maxCycle)
		log.Info().Int("cycle", l.cycleNumber).Msg("📂 Restored cycle number from journal")
	}
	return nil
}

// LogDecision journals one cycle and its decision actions, assigning the cycle number
func (l *DecisionLogger) LogDecision(record *DecisionRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cycleNumber++
	record.CycleNumber = l.cycleNumber
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var cycleID int64
	err = tx.QueryRowxContext(ctx, tx.Rebind(`
		INSERT INTO cycles (timestamp, cycle_number, system_prompt, input_prompt, raw_response,
			candidate_assets, execution_log, success, error_message,
			total_capital, allocated, available, realized, position_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		record.Timestamp.UnixMilli(), record.CycleNumber, record.SystemPrompt, record.InputPrompt, record.RawResponse,
		mustJSON(record.CandidateAssets), mustJSON(record.ExecutionLog), record.Success, record.ErrorMessage,
		record.Account.TotalCapital, record.Account.Allocated, record.Account.Available, record.Account.Realized,
		record.Account.PositionCount,
	).Scan(&cycleID)
	if err != nil {
		return fmt.Errorf("failed to insert cycle #%d: %w", record.CycleNumber, err)
	}

	insertAction := tx.Rebind(`
		INSERT INTO decision_actions (cycle_id, identifier, action, position_type, source, confidence,
			reasoning, price, size, pnl, timestamp, success, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for _, a := range record.Decisions {
		ts := a.Timestamp
		if ts.IsZero() {
			ts = record.Timestamp
		}
		if _, err := tx.ExecContext(ctx, insertAction, cycleID, a.Identifier, a.Action, a.PositionType, a.Source,
			a.Confidence, a.Reasoning, a.Price, a.Size, a.PnL, ts.UnixMilli(), a.Success, a.Error); err != nil {
			return fmt.Errorf("failed to insert decision for %s: %w", a.Identifier, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cycle #%d: %w", record.CycleNumber, err)
	}
	log.Debug().Int("cycle", record.CycleNumber).Msg("📝 Decision record saved")
	return nil
}

// LogLiquidation journals the end-of-session liquidation
func (l *DecisionLogger) LogLiquidation(record *LiquidationRecord) error {
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := l.db.ExecContext(ctx, l.db.Rebind(`
		INSERT INTO liquidations (timestamp, closed_count, total_pnl, positions) VALUES (?, ?, ?, ?)`),
		record.Timestamp.UnixMilli(), record.ClosedCount, record.TotalPnL, mustJSON(record.Positions))
	if err != nil {
		return fmt.Errorf("failed to insert liquidation: %w", err)
	}
	log.Debug().Int("closed", record.ClosedCount).Msg("📝 Liquidation record saved")
	return nil
}

// LogExit journals a stop-loss or take-profit close made between cycles. The close reason is
// stored in Source, as for liquidated positions.
func (l *DecisionLogger) LogExit(action *DecisionAction) error {
	if action.Timestamp.IsZero() {
		action.Timestamp = time.Now()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := l.db.ExecContext(ctx, l.db.Rebind(`
		INSERT INTO exits (identifier, position_type, reason, confidence, price, size, pnl, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		action.Identifier, action.PositionType, action.Source, action.Confidence,
		action.Price, action.Size, action.PnL, action.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert exit for %s: %w", action.Identifier, err)
	}
	log.Debug().Str("identifier", action.Identifier).Str("reason", action.Source).Msg("📝 Exit record saved")
	return nil
}

// GetExits returns every journaled exit close, oldest first
func (l *DecisionLogger) GetExits() ([]DecisionAction, error) {
	var rows []struct {
		Identifier   string  `db:"identifier"`
		PositionType *string `db:"position_type"`
		Reason       string  `db:"reason"`
		Confidence   float64 `db:"confidence"`
		Price        float64 `db:"price"`
		Size         float64 `db:"size"`
		PnL          float64 `db:"pnl"`
		Timestamp    int64   `db:"timestamp"`
	}
	if err := l.db.Select(&rows, `
		SELECT identifier, position_type, reason, confidence, price, size, pnl, timestamp
		FROM exits ORDER BY id`); err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	out := make([]DecisionAction, 0, len(rows))
	for _, r := range rows {
		out = append(out, DecisionAction{
			Identifier:   r.Identifier,
			Action:       "close",
			PositionType: deref(r.PositionType),
			Source:       r.Reason,
			Confidence:   r.Confidence,
			Price:        r.Price,
			Size:         r.Size,
			PnL:          r.PnL,
			Timestamp:    time.UnixMilli(r.Timestamp),
			Success:      true,
		})
	}
	return out, nil
}

type cycleRow struct {
	ID              int64   `db:"id"`
	Timestamp       int64   `db:"timestamp"`
	CycleNumber     int     `db:"cycle_number"`
	SystemPrompt    *string `db:"system_prompt"`
	InputPrompt     *string `db:"input_prompt"`
	RawResponse     *string `db:"raw_response"`
	CandidateAssets *string `db:"candidate_assets"`
	ExecutionLog    *string `db:"execution_log"`
	Success         bool    `db:"success"`
	ErrorMessage    *string `db:"error_message"`
	TotalCapital    float64 `db:"total_capital"`
	Allocated       float64 `db:"allocated"`
	Available       float64 `db:"available"`
	Realized        float64 `db:"realized"`
	PositionCount   int     `db:"position_count"`
}

type actionRow struct {
	CycleID      int64   `db:"cycle_id"`
	Identifier   string  `db:"identifier"`
	Action       string  `db:"action"`
	PositionType *string `db:"position_type"`
	Source       string  `db:"source"`
	Confidence   float64 `db:"confidence"`
	Reasoning    *string `db:"reasoning"`
	Price        float64 `db:"price"`
	Size         float64 `db:"size"`
	PnL          float64 `db:"pnl"`
	Timestamp    int64   `db:"timestamp"`
	Success      bool    `db:"success"`
	Error        *string `db:"error"`
}

// GetLatestRecords gets latest N records (sorted by time ascending: from old to new)
func (l *DecisionLogger) GetLatestRecords(n int) ([]*DecisionRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var rows []cycleRow
	err := l.db.SelectContext(ctx, &rows, l.db.Rebind(`
		SELECT id, timestamp, cycle_number, system_prompt, input_prompt, raw_response,
			candidate_assets, execution_log, success, error_message,
			total_capital, allocated, available, realized, position_count
		FROM cycles
		ORDER BY cycle_number DESC
		LIMIT ?`), n)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}

	records := make([]*DecisionRecord, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		actions, err := l.loadDecisionActions(ctx, row.ID)
		if err != nil {
			return nil, err
		}
		rec := &DecisionRecord{
			Timestamp:    time.UnixMilli(row.Timestamp),
			CycleNumber:  row.CycleNumber,
			SystemPrompt: deref(row.SystemPrompt),
			InputPrompt:  deref(row.InputPrompt),
			RawResponse:  deref(row.RawResponse),
			Account: AccountSnapshot{
				TotalCapital:  row.TotalCapital,
				Allocated:     row.Allocated,
				Available:     row.Available,
				Realized:      row.Realized,
				PositionCount: row.PositionCount,
			},
			Decisions:    actions,
			Success:      row.Success,
			ErrorMessage: deref(row.ErrorMessage),
		}
		_ = json.Unmarshal([]byte(deref(row.CandidateAssets)), &rec.CandidateAssets)
		_ = json.Unmarshal([]byte(deref(row.ExecutionLog)), &rec.ExecutionLog)
		records = append(records, rec)
	}
	return records, nil
}

// GetAllRecords every journaled cycle, oldest first
func (l *DecisionLogger) GetAllRecords() ([]*DecisionRecord, error) {
	return l.GetLatestRecords(math.MaxInt32)
}

func (l *DecisionLogger) loadDecisionActions(ctx context.Context, cycleID int64) ([]DecisionAction, error) {
	var rows []actionRow
	err := l.db.SelectContext(ctx, &rows, l.db.Rebind(`
		SELECT cycle_id, identifier, action, position_type, source, confidence, reasoning,
			price, size, pnl, timestamp, success, error
		FROM decision_actions
		WHERE cycle_id = ?
		ORDER BY id`), cycleID)
	if err != nil {
		return nil, fmt.Errorf("failed to load decisions for cycle %d: %w", cycleID, err)
	}
	actions := make([]DecisionAction, 0, len(rows))
	for _, r := range rows {
		actions = append(actions, DecisionAction{
			Identifier:   r.Identifier,
			Action:       r.Action,
			PositionType: deref(r.PositionType),
			Source:       r.Source,
			Confidence:   r.Confidence,
			Reasoning:    deref(r.Reasoning),
			Price:        r.Price,
			Size:         r.Size,
			PnL:          r.PnL,
			Timestamp:    time.UnixMilli(r.Timestamp),
			Success:      r.Success,
			Error:        deref(r.Error),
		})
	}
	return actions, nil
}

// GetLiquidations returns every journaled liquidation, oldest first
func (l *DecisionLogger) GetLiquidations() ([]*LiquidationRecord, error) {
	var rows []struct {
		Timestamp   int64   `db:"timestamp"`
		ClosedCount int     `db:"closed_count"`
		TotalPnL    float64 `db:"total_pnl"`
		Positions   *string `db:"positions"`
	}
	if err := l.db.Select(&rows, "SELECT timestamp, closed_count, total_pnl, positions FROM liquidations ORDER BY id"); err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	out := make([]*LiquidationRecord, 0, len(rows))
	for _, r := range rows {
		rec := &LiquidationRecord{
			Timestamp:   time.UnixMilli(r.Timestamp),
			ClosedCount: r.ClosedCount,
			TotalPnL:    r.TotalPnL,
		}
		_ = json.Unmarshal([]byte(deref(r.Positions)), &rec.Positions)
		out = append(out, rec)
	}
	return out, nil
}

// Close closes the underlying database
func (l *DecisionLogger) Close() error {
	return l.db.Close()
}

func mustJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
