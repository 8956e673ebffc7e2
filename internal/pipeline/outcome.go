package pipeline

import (
	"errors"

	"servo-monitor/internal/models"
)

// Stage 单条消息在管道中的阶段
type Stage string

const (
	StageReceived      Stage = "received"
	StageRejected      Stage = "rejected"
	StageValidated     Stage = "validated"
	StageScored        Stage = "scored"
	StageEvaluated     Stage = "evaluated"
	StagePersisted     Stage = "persisted"
	StagePersistFailed Stage = "persist-failed"
	StageBroadcast     Stage = "broadcast"
	StageDone          Stage = "done"
)

// Outcome 单条消息的处理结果
// 每一步的错误都记录在这里，由调用方决定计数或记录日志
type Outcome struct {
	Topic   string
	Stages  []Stage
	Reading *models.Reading
	Alerts  []*models.Alert

	RejectErr     error
	PersistErrors []error
	BroadcastErr  error
	CacheErr      error
}

func (o *Outcome) advance(s Stage) {
	o.Stages = append(o.Stages, s)
}

// Rejected 载荷校验失败
func (o *Outcome) Rejected() bool {
	return o.RejectErr != nil
}

// Reached 是否经过某个阶段
func (o *Outcome) Reached(s Stage) bool {
	for _, st := range o.Stages {
		if st == s {
			return true
		}
	}
	return false
}

// Err 合并所有步骤的错误
func (o *Outcome) Err() error {
	errs := make([]error, 0, len(o.PersistErrors)+3)
	errs = append(errs, o.RejectErr)
	errs = append(errs, o.PersistErrors...)
	errs = append(errs, o.BroadcastErr, o.CacheErr)
	return errors.Join(errs...)
}
