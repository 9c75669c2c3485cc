package dgbt

import (
	"strings"
	"testing"
	"time"
)

func TestMonitoringStageStats(t *testing.T) {
	m := NewMonitoring()
	m.BeginStage(StageStartNewIter)
	m.EndStage(StageStartNewIter)
	m.BeginStage(StageStartNewIter)
	m.EndStage(StageStartNewIter)
	if n := m.StageCount(StageStartNewIter); n != 2 {
		t.Errorf("expected 2 completed stages but got %d", n)
	}
	if n := m.StageCount(StageFindSplits); n != 0 {
		t.Errorf("expected 0 FindSplits stages but got %d", n)
	}
}

func TestMonitoringFindSplitsReplyTimes(t *testing.T) {
	m := NewMonitoring()
	m.BeginStage(StageFindSplits)
	m.FindSplitWorkerReplyTime(0, 10*time.Millisecond)
	m.FindSplitWorkerReplyTime(2, 50*time.Millisecond)
	m.FindSplitWorkerReplyTime(1, 30*time.Millisecond)
	m.EndStage(StageFindSplits)

	if m.lastFastestWorker != 0 {
		t.Errorf("expected worker 0 to be fastest, got %d", m.lastFastestWorker)
	}
	if m.lastSlowestWorker != 2 {
		t.Errorf("expected worker 2 to be slowest, got %d", m.lastSlowestWorker)
	}
	if m.lastMedianReplyTime != 30*time.Millisecond {
		t.Errorf("unexpected median %v", m.lastMedianReplyTime)
	}
	if len(m.replyTimes) != 0 {
		t.Error("reply times should be cleared at stage end")
	}
}

func TestMonitoringInlineLogs(t *testing.T) {
	m := NewMonitoring()
	m.NewIter()
	m.BeginStage(StageFindSplits)
	m.FindSplitWorkerReplyTime(1, time.Millisecond)
	m.EndStage(StageFindSplits)

	logs := m.InlineLogs()
	for _, want := range []string{"time-per-iter:", "FindSplits", "avg:",
		"last-{slowest,fastest}-worker:1 1"} {
		if !strings.Contains(logs, want) {
			t.Errorf("inline logs should contain %q:\n%s", want, logs)
		}
	}
}

func TestMonitoringLogThrottle(t *testing.T) {
	m := NewMonitoring()
	if !m.ShouldDisplayLogs() {
		t.Error("the first call should display logs")
	}
	if m.ShouldDisplayLogs() {
		t.Error("a second immediate call should be throttled")
	}
	m.lastDisplayLogs = time.Now().Add(-time.Minute)
	if !m.ShouldDisplayLogs() {
		t.Error("an old last display should re-enable logs")
	}
}
