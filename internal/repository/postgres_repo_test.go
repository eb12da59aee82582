package repository

import (
	"testing"
	"time"

	"github.com/hitoshi/meishi/internal/backend"
	"github.com/hitoshi/meishi/internal/model"
)

// PostgresStudioSessionRepoはStudioSessionRepositoryインターフェースを満たすことを検証
func TestPostgresStudioSessionRepo_ImplementsInterface(t *testing.T) {
	var _ StudioSessionRepository = (*PostgresStudioSessionRepo)(nil)
}

// PostgresCredentialRepoはbackend.CredentialStoreインターフェースを満たすことを検証
func TestPostgresCredentialRepo_ImplementsInterface(t *testing.T) {
	var _ backend.CredentialStore = (*PostgresCredentialRepo)(nil)
}

// PostgresScanEventRepoはScanEventRepositoryインターフェースを満たすことを検証
func TestPostgresScanEventRepo_ImplementsInterface(t *testing.T) {
	var _ ScanEventRepository = (*PostgresScanEventRepo)(nil)
}

// PostgresRecoveryEventRepoはRecoveryEventRepositoryインターフェースを満たすことを検証
func TestPostgresRecoveryEventRepo_ImplementsInterface(t *testing.T) {
	var _ RecoveryEventRepository = (*PostgresRecoveryEventRepo)(nil)
}

// 各リポジトリが正しく初期化されることを検証
func TestNewRepos_Initialize(t *testing.T) {
	if NewPostgresStudioSessionRepo(nil) == nil {
		t.Error("expected non-nil studio session repo")
	}
	if NewPostgresCredentialRepo(nil) == nil {
		t.Error("expected non-nil credential repo")
	}
	if NewPostgresScanEventRepo(nil) == nil {
		t.Error("expected non-nil scan event repo")
	}
	if NewPostgresRecoveryEventRepo(nil) == nil {
		t.Error("expected non-nil recovery event repo")
	}
}

// RecoveryEventのDurationはミリ秒精度で永続化される
// （ミリ秒未満は丸められる）ことの期待動作
func TestRecoveryEvent_DurationMillisecondPrecision(t *testing.T) {
	event := &model.RecoveryEvent{
		Duration: 1500*time.Millisecond + 300*time.Microsecond,
	}
	ms := event.Duration.Milliseconds()
	if ms != 1500 {
		t.Errorf("Milliseconds() = %d, want 1500", ms)
	}
	restored := time.Duration(ms) * time.Millisecond
	if restored != 1500*time.Millisecond {
		t.Errorf("復元後のDuration = %v, want 1.5s", restored)
	}
}
