package dgbt

import (
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/unixpickle/essentials"
)

// Stages of the coordinator/worker protocol, for monitoring.
const (
	StageGetLabelStatistics = iota
	StageSetInitialPredictions
	StageStartNewIter
	StageFindSplits
	StageEvaluateSplits
	StageShareSplits
	StageEndIter
	StageRestoreCheckpoint
	StageCreateCheckpoint
	StageStartTraining
	numStages
)

// StageName returns the human-readable name of a stage.
func StageName(stage int) string {
	switch stage {
	case StageGetLabelStatistics:
		return "GetLabelStatistics"
	case StageSetInitialPredictions:
		return "SetInitialPredictions"
	case StageStartNewIter:
		return "StartNewIter"
	case StageFindSplits:
		return "FindSplits"
	case StageEvaluateSplits:
		return "EvaluateSplits"
	case StageShareSplits:
		return "ShareSplits"
	case StageEndIter:
		return "EndIter"
	case StageRestoreCheckpoint:
		return "RestoreCheckpoint"
	case StageCreateCheckpoint:
		return "CreateCheckpoint"
	case StageStartTraining:
		return "StartTraining"
	}
	return "UNKNOWN"
}

type stageStats struct {
	count       int
	sumDuration time.Duration
}

type workerReplyTime struct {
	workerIdx int
	delay     time.Duration
}

// Monitoring tracks per-stage timing, per-worker FindSplits reply
// latency, and the throttling of inline human-readable logs.
type Monitoring struct {
	verbose bool

	currentStage      int
	beginCurrentStage time.Time
	stats             [numStages]stageStats

	numIters      int
	timeFirstIter time.Time

	replyTimes []workerReplyTime

	lastMinReplyTime    time.Duration
	lastMedianReplyTime time.Duration
	lastMaxReplyTime    time.Duration
	lastFastestWorker   int
	lastSlowestWorker   int
	sumMinReplyTime     time.Duration
	sumMedianReplyTime  time.Duration
	sumMaxReplyTime     time.Duration
	countReplyTimes     int

	logsAlreadyDisplayed bool
	lastDisplayLogs      time.Time
}

// NewMonitoring creates an idle Monitoring.
func NewMonitoring() *Monitoring {
	return &Monitoring{currentStage: -1}
}

// ShouldDisplayLogs throttles inline logs to at most one per 30
// seconds. The first call always fires.
func (m *Monitoring) ShouldDisplayLogs() bool {
	now := time.Now()
	if !m.logsAlreadyDisplayed {
		m.logsAlreadyDisplayed = true
		m.lastDisplayLogs = now
		return true
	}
	if now.Sub(m.lastDisplayLogs) >= 30*time.Second {
		m.lastDisplayLogs = now
		return true
	}
	return false
}

// BeginStage marks the start of a protocol stage. A stage left
// unfinished, for example by a DataLoss unwind, is dropped.
func (m *Monitoring) BeginStage(stage int) {
	if m.currentStage != -1 {
		log.Warnf("Starting stage %v before the previous stage %v was "+
			"marked as completed.", StageName(stage), StageName(m.currentStage))
	}
	m.currentStage = stage
	m.beginCurrentStage = time.Now()
	if m.verbose {
		log.Infof("Starting stage %v", StageName(stage))
	}
}

// EndStage marks the end of the current stage and folds its duration
// into the stage statistics. Ending the FindSplits stage also reduces
// the per-worker reply times collected during the stage.
func (m *Monitoring) EndStage(stage int) {
	if m.currentStage < 0 {
		log.Warnf("Invalid BeginStage > EndStage. stage=%v", StageName(stage))
		return
	}
	duration := time.Since(m.beginCurrentStage)
	m.stats[stage].count++
	m.stats[stage].sumDuration += duration

	if stage == StageFindSplits && len(m.replyTimes) > 0 {
		essentials.VoodooSort(m.replyTimes, func(i, j int) bool {
			return m.replyTimes[i].delay < m.replyTimes[j].delay
		})
		median := m.replyTimes[len(m.replyTimes)/2].delay
		fastest := m.replyTimes[0]
		slowest := m.replyTimes[len(m.replyTimes)-1]

		m.lastMinReplyTime = fastest.delay
		m.lastMaxReplyTime = slowest.delay
		m.lastMedianReplyTime = median
		m.lastFastestWorker = fastest.workerIdx
		m.lastSlowestWorker = slowest.workerIdx

		m.sumMinReplyTime += fastest.delay
		m.sumMaxReplyTime += slowest.delay
		m.sumMedianReplyTime += median
		m.countReplyTimes++

		m.replyTimes = m.replyTimes[:0]
	}

	if m.verbose {
		log.Infof("Finishing stage %v in %v", StageName(stage), duration)
	}
	m.currentStage = -1
}

// NewIter records the start of a training iteration.
func (m *Monitoring) NewIter() {
	if m.numIters == 0 {
		m.timeFirstIter = time.Now()
	}
	m.numIters++
}

// FindSplitWorkerReplyTime records one worker's FindSplits reply
// latency within the current stage.
func (m *Monitoring) FindSplitWorkerReplyTime(workerIdx int, delay time.Duration) {
	if m.verbose {
		log.Infof("\tWorker #%d replied to FindSplits in %v", workerIdx, delay)
	}
	m.replyTimes = append(m.replyTimes, workerReplyTime{
		workerIdx: workerIdx,
		delay:     delay,
	})
}

// InlineLogs formats the accumulated statistics for the one-line
// training log.
func (m *Monitoring) InlineLogs() string {
	var sb strings.Builder
	if m.numIters > 0 {
		timePerIter := time.Since(m.timeFirstIter) / time.Duration(m.numIters)
		fmt.Fprintf(&sb, "time-per-iter:%v", timePerIter.Round(time.Millisecond))
	}
	fmt.Fprintf(&sb, " last-{min,median,max}-split-time:%v %v %v",
		m.lastMinReplyTime.Round(time.Millisecond),
		m.lastMedianReplyTime.Round(time.Millisecond),
		m.lastMaxReplyTime.Round(time.Millisecond))
	fmt.Fprintf(&sb, " last-{slowest,fastest}-worker:%d %d",
		m.lastSlowestWorker, m.lastFastestWorker)
	if m.countReplyTimes > 0 {
		n := time.Duration(m.countReplyTimes)
		fmt.Fprintf(&sb, " mean-{min,median,max}-split-time:%v %v %v",
			(m.sumMinReplyTime / n).Round(time.Millisecond),
			(m.sumMedianReplyTime / n).Round(time.Millisecond),
			(m.sumMaxReplyTime / n).Round(time.Millisecond))
	}
	for stage := 0; stage < numStages; stage++ {
		stat := &m.stats[stage]
		if stat.count == 0 {
			continue
		}
		fmt.Fprintf(&sb, "\n\t\t%v: avg:%v count:%d", StageName(stage),
			(stat.sumDuration / time.Duration(stat.count)).Round(time.Microsecond),
			stat.count)
	}
	return sb.String()
}

// StageCount returns how many times a stage completed.
func (m *Monitoring) StageCount(stage int) int {
	return m.stats[stage].count
}
