package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"saferelay/internal/gasstation"
	"saferelay/internal/relay"
)

// DB persists relay state in PostgreSQL through GORM. One row per
// attempt; the (request_hash, attempt) pair is the lineage key.
type DB struct {
	db *gorm.DB
}

func OpenDB(dsn string) (*DB, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := gdb.AutoMigrate(&recordRow{}, &predictionRow{}, &snapshotRow{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &DB{db: gdb}, nil
}

type recordRow struct {
	ID              uint   `gorm:"primaryKey"`
	RequestHash     string `gorm:"size:66;index:idx_lineage,unique,priority:1"`
	Attempt         int    `gorm:"index:idx_lineage,unique,priority:2"`
	RequestJSON     []byte
	ChainTxHash     string `gorm:"size:66;index"`
	FundingAccount  string `gorm:"size:42"`
	AssignedNonce   uint64
	GasPriceUsed    string
	GasLimitUsed    uint64
	Status          string `gorm:"size:16;index"`
	BlockNumber     *uint64
	Confirmations   uint64
	ExecutionFailed bool
	LastError       string
	ReplacedBy      string `gorm:"size:66"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
	BroadcastAt     time.Time
}

func (recordRow) TableName() string { return "relay_records" }

type predictionRow struct {
	SpecKey   string `gorm:"primaryKey;size:66"`
	SpecJSON  []byte
	Address   string `gorm:"size:42;uniqueIndex"`
	Deployed  bool
	CreatedAt time.Time
}

func (predictionRow) TableName() string { return "wallet_predictions" }

type snapshotRow struct {
	ID          uint `gorm:"primaryKey"`
	SlowWei     string
	StandardWei string
	FastWei     string
	ObservedAt  time.Time `gorm:"index"`
	SourcesJSON []byte
	Stale       bool
}

func (snapshotRow) TableName() string { return "gas_snapshots" }

func (d *DB) InsertRecord(ctx context.Context, rec *relay.Record) error {
	row, err := toRecordRow(rec)
	if err != nil {
		return err
	}
	return d.db.WithContext(ctx).Create(row).Error
}

func (d *DB) UpdateRecord(ctx context.Context, rec *relay.Record) error {
	row, err := toRecordRow(rec)
	if err != nil {
		return err
	}
	res := d.db.WithContext(ctx).
		Model(&recordRow{}).
		Where("request_hash = ? AND attempt = ?", row.RequestHash, row.Attempt).
		Select("*").Omit("id", "request_hash", "attempt", "created_at").
		Updates(row)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return relay.ErrNotFound
	}
	return nil
}

func (d *DB) ActiveRecord(ctx context.Context, requestHash common.Hash) (*relay.Record, error) {
	var row recordRow
	err := d.db.WithContext(ctx).
		Where("request_hash = ?", requestHash.Hex()).
		Order("attempt DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, relay.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromRecordRow(&row)
}

func (d *DB) RecordByChainTx(ctx context.Context, txHash common.Hash) (*relay.Record, error) {
	var row recordRow
	err := d.db.WithContext(ctx).
		Where("chain_tx_hash = ?", txHash.Hex()).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, relay.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromRecordRow(&row)
}

func (d *DB) RecordsByLineage(ctx context.Context, requestHash common.Hash) ([]*relay.Record, error) {
	var rows []recordRow
	err := d.db.WithContext(ctx).
		Where("request_hash = ?", requestHash.Hex()).
		Order("attempt ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*relay.Record, 0, len(rows))
	for i := range rows {
		rec, err := fromRecordRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (d *DB) RecordsByStatus(ctx context.Context, statuses ...relay.Status) ([]*relay.Record, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	var rows []recordRow
	err := d.db.WithContext(ctx).
		Where("status IN ?", names).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*relay.Record, 0, len(rows))
	for i := range rows {
		rec, err := fromRecordRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (d *DB) InsertPrediction(ctx context.Context, p *relay.Prediction) error {
	specJSON, err := json.Marshal(p.Spec)
	if err != nil {
		return fmt.Errorf("encode wallet spec: %w", err)
	}
	row := predictionRow{
		SpecKey:   p.SpecKey.Hex(),
		SpecJSON:  specJSON,
		Address:   p.Address.Hex(),
		Deployed:  p.Deployed,
		CreatedAt: p.CreatedAt,
	}
	return d.db.WithContext(ctx).Create(&row).Error
}

func (d *DB) PredictionByKey(ctx context.Context, key common.Hash) (*relay.Prediction, error) {
	return d.prediction(ctx, "spec_key = ?", key.Hex())
}

func (d *DB) PredictionByAddress(ctx context.Context, addr common.Address) (*relay.Prediction, error) {
	return d.prediction(ctx, "address = ?", addr.Hex())
}

func (d *DB) prediction(ctx context.Context, query string, arg string) (*relay.Prediction, error) {
	var row predictionRow
	err := d.db.WithContext(ctx).Where(query, arg).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, relay.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p := relay.Prediction{
		SpecKey:   common.HexToHash(row.SpecKey),
		Address:   common.HexToAddress(row.Address),
		Deployed:  row.Deployed,
		CreatedAt: row.CreatedAt,
	}
	if err := json.Unmarshal(row.SpecJSON, &p.Spec); err != nil {
		return nil, fmt.Errorf("decode wallet spec: %w", err)
	}
	return &p, nil
}

func (d *DB) MarkDeployed(ctx context.Context, addr common.Address) error {
	res := d.db.WithContext(ctx).
		Model(&predictionRow{}).
		Where("address = ?", addr.Hex()).
		Update("deployed", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return relay.ErrNotFound
	}
	return nil
}

func (d *DB) SaveSnapshot(ctx context.Context, snap gasstation.Snapshot) error {
	sources, err := json.Marshal(snap.Sources)
	if err != nil {
		return err
	}
	row := snapshotRow{
		SlowWei:     bigString(snap.SlowWei),
		StandardWei: bigString(snap.StandardWei),
		FastWei:     bigString(snap.FastWei),
		ObservedAt:  snap.ObservedAt,
		SourcesJSON: sources,
		Stale:       snap.Stale,
	}
	return d.db.WithContext(ctx).Create(&row).Error
}

func (d *DB) LatestSnapshot(ctx context.Context) (gasstation.Snapshot, error) {
	var row snapshotRow
	err := d.db.WithContext(ctx).Order("observed_at DESC").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return gasstation.Snapshot{}, relay.ErrNotFound
	}
	if err != nil {
		return gasstation.Snapshot{}, err
	}
	snap := gasstation.Snapshot{
		SlowWei:     parseBig(row.SlowWei),
		StandardWei: parseBig(row.StandardWei),
		FastWei:     parseBig(row.FastWei),
		ObservedAt:  row.ObservedAt,
		Stale:       row.Stale,
	}
	if len(row.SourcesJSON) > 0 {
		if err := json.Unmarshal(row.SourcesJSON, &snap.Sources); err != nil {
			return gasstation.Snapshot{}, err
		}
	}
	return snap, nil
}

func toRecordRow(rec *relay.Record) (*recordRow, error) {
	reqJSON, err := json.Marshal(rec.Request)
	if err != nil {
		return nil, fmt.Errorf("encode relay request: %w", err)
	}
	return &recordRow{
		RequestHash:     rec.RequestHash.Hex(),
		Attempt:         rec.Attempt,
		RequestJSON:     reqJSON,
		ChainTxHash:     rec.ChainTxHash.Hex(),
		FundingAccount:  rec.FundingAccount.Hex(),
		AssignedNonce:   rec.AssignedNonce,
		GasPriceUsed:    bigString(rec.GasPriceUsed),
		GasLimitUsed:    rec.GasLimitUsed,
		Status:          string(rec.Status),
		BlockNumber:     rec.BlockNumber,
		Confirmations:   rec.Confirmations,
		ExecutionFailed: rec.ExecutionFailed,
		LastError:       rec.LastError,
		ReplacedBy:      rec.ReplacedBy.Hex(),
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
		BroadcastAt:     rec.BroadcastAt,
	}, nil
}

func fromRecordRow(row *recordRow) (*relay.Record, error) {
	rec := &relay.Record{
		RequestHash:     common.HexToHash(row.RequestHash),
		Attempt:         row.Attempt,
		ChainTxHash:     common.HexToHash(row.ChainTxHash),
		FundingAccount:  common.HexToAddress(row.FundingAccount),
		AssignedNonce:   row.AssignedNonce,
		GasPriceUsed:    parseBig(row.GasPriceUsed),
		GasLimitUsed:    row.GasLimitUsed,
		Status:          relay.Status(row.Status),
		BlockNumber:     row.BlockNumber,
		Confirmations:   row.Confirmations,
		ExecutionFailed: row.ExecutionFailed,
		LastError:       row.LastError,
		ReplacedBy:      common.HexToHash(row.ReplacedBy),
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
		BroadcastAt:     row.BroadcastAt,
	}
	if err := json.Unmarshal(row.RequestJSON, &rec.Request); err != nil {
		return nil, fmt.Errorf("decode relay request: %w", err)
	}
	return rec, nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func parseBig(s string) *big.Int {
	if s == "" {
		return nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil
	}
	return v
}
