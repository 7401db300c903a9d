package sal

import (
	"github.com/arzzra/sal/pkg/media_sdp"
)

// StateChange описывает переход состояния вызова
type StateChange struct {
	From CallState
	To   CallState
	// Media согласованное описание на момент перехода, может быть nil
	Media *media_sdp.MediaDescription
	// Info причина завершения для перехода в Terminated
	Info *ErrorInfo
}

// Callbacks уведомления владельца стека.
// Все методы вызываются из цикла событий стека, по одному за раз.
type Callbacks interface {
	// CallReceived новый входящий INVITE
	CallReceived(op *CallOp)
	// CallRinging получен предварительный ответ 180/183
	CallRinging(op *CallOp, status int)
	CallStateChanged(op *CallOp, change StateChange)
	// CallFailure ошибка вызова, подробности в ErrorInfo
	CallFailure(op *CallOp, info *ErrorInfo)
	// CallReferReceived REFER внутри диалога вызова
	CallReferReceived(op *CallOp, referTo string)
	// ReferProgress NOTIFY с sipfrag о ходе перевода
	ReferProgress(op Operation, status int)
	DtmfReceived(op *CallOp, digit byte)

	// ReferReceived REFER вне диалога
	ReferReceived(op *ReferOp, referTo string)
	// ReferCompleted финальный ответ на наш REFER, info == nil при успехе
	ReferCompleted(op *ReferOp, info *ErrorInfo)

	// OpReleased операция освобождена, ее ID больше не действителен
	OpReleased(op Operation)
}

// NopCallbacks пустая реализация для встраивания
type NopCallbacks struct{}

func (NopCallbacks) CallReceived(*CallOp)                     {}
func (NopCallbacks) CallRinging(*CallOp, int)                 {}
func (NopCallbacks) CallStateChanged(*CallOp, StateChange)    {}
func (NopCallbacks) CallFailure(*CallOp, *ErrorInfo)          {}
func (NopCallbacks) CallReferReceived(*CallOp, string)        {}
func (NopCallbacks) ReferProgress(Operation, int)             {}
func (NopCallbacks) DtmfReceived(*CallOp, byte)               {}
func (NopCallbacks) ReferReceived(*ReferOp, string)           {}
func (NopCallbacks) ReferCompleted(*ReferOp, *ErrorInfo)      {}
func (NopCallbacks) OpReleased(Operation)                     {}
