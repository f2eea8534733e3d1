package ordering

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/supply-api/internal/types"
)

// Action names an operation on an order
type Action string

const (
	ActionCreate              Action = "create"
	ActionMarkPaid            Action = "mark_paid"
	ActionConfirm             Action = "confirm"
	ActionStartDelivery       Action = "start_delivery"
	ActionComplete            Action = "complete"
	ActionCancelDirect        Action = "cancel_direct"
	ActionRequestCancellation Action = "request_cancellation"
	ActionApproveCancellation Action = "approve_cancellation"
	ActionRejectCancellation  Action = "reject_cancellation"
)

// Change is the outcome of a successful operation: the log entry to append,
// the event to emit and, for the cancellation workflow, the request to store
type Change struct {
	Action    Action
	From      Status
	To        Status
	Log       StatusLog
	EventType types.EventType
	Request   *CancellationRequest
}

// nextStatus is the order state machine. It returns false when action is not
// allowed from the current status.
func nextStatus(from Status, action Action) (Status, bool) {
	switch action {
	case ActionCreate:
		return "", false
	case ActionMarkPaid:
		if from == StatusPendingPayment {
			return StatusPendingConfirm, true
		}
	case ActionConfirm:
		if from == StatusPendingConfirm {
			return StatusConfirmed, true
		}
	case ActionStartDelivery:
		if from == StatusConfirmed {
			return StatusDelivering, true
		}
	case ActionComplete:
		if from == StatusDelivering {
			return StatusCompleted, true
		}
	case ActionCancelDirect:
		if from == StatusPendingPayment || from == StatusPendingConfirm {
			return StatusCancelled, true
		}
	case ActionRequestCancellation, ActionRejectCancellation:
		if from == StatusConfirmed || from == StatusDelivering {
			return from, true
		}
	case ActionApproveCancellation:
		if from == StatusConfirmed || from == StatusDelivering {
			return StatusCancelled, true
		}
	default:
		panic(fmt.Sprintf("ordering: unhandled action %q", action))
	}
	return from, false
}

// eventFor maps an action to the event it emits
func eventFor(action Action) types.EventType {
	switch action {
	case ActionCreate:
		return types.EventOrderCreated
	case ActionMarkPaid:
		return types.EventOrderPaid
	case ActionConfirm:
		return types.EventOrderConfirmed
	case ActionStartDelivery:
		return types.EventOrderDelivering
	case ActionComplete:
		return types.EventOrderCompleted
	case ActionCancelDirect, ActionApproveCancellation:
		return types.EventOrderCancelled
	case ActionRequestCancellation:
		return types.EventCancellationRequested
	case ActionRejectCancellation:
		return types.EventCancellationRejected
	default:
		panic(fmt.Sprintf("ordering: unhandled action %q", action))
	}
}

// authorize checks that actor may perform action on o
func authorize(o *Order, action Action, actor types.Actor) error {
	isBuyer := actor.Type == types.ActorBuyer && actor.ID == o.BuyerID
	isSeller := actor.Type == types.ActorSeller && actor.ID == o.SellerID
	isAdmin := actor.Type == types.ActorAdmin
	isSystem := actor.Type == types.ActorSystem

	var ok bool
	switch action {
	case ActionCreate:
		ok = actor.Type == types.ActorBuyer
	case ActionMarkPaid:
		ok = isSystem || isAdmin
	case ActionConfirm, ActionStartDelivery:
		ok = isSeller || isAdmin
	case ActionComplete:
		ok = isBuyer || isSystem
	case ActionCancelDirect, ActionRequestCancellation:
		ok = isBuyer
	case ActionApproveCancellation, ActionRejectCancellation:
		ok = isAdmin
	default:
		panic(fmt.Sprintf("ordering: unhandled action %q", action))
	}

	if !ok {
		return fmt.Errorf("%w: %s may not %s order %s", ErrForbidden, actor, action, o.OrderNumber)
	}
	return nil
}

// apply runs action against the order. On error the order is left untouched.
func (o *Order) apply(action Action, actor types.Actor, now time.Time, note string) (*Change, error) {
	if err := authorize(o, action, actor); err != nil {
		return nil, err
	}

	to, ok := nextStatus(o.Status, action)
	if !ok {
		if action == ActionMarkPaid {
			return nil, stateError(ErrAlreadyPaid, action, o.Status)
		}
		return nil, stateError(ErrInvalidTransition, action, o.Status)
	}

	from := o.Status
	o.Status = to
	o.UpdatedAt = now

	switch to {
	case StatusPendingConfirm:
		o.PaidAt = &now
		o.PaymentStatus = PaymentPaid
	case StatusConfirmed:
		o.ConfirmedAt = &now
	case StatusDelivering:
		o.DeliveringAt = &now
	case StatusCompleted:
		o.CompletedAt = &now
	case StatusCancelled:
		o.CancelledAt = &now
		o.CancelReason = note
		if o.PaymentStatus == PaymentPaid {
			o.PaymentStatus = PaymentRefunding
		}
	}

	return &Change{
		Action:    action,
		From:      from,
		To:        to,
		EventType: eventFor(action),
		Log: StatusLog{
			OrderID:      o.ID,
			Action:       action,
			FromStatus:   from,
			ToStatus:     to,
			OperatorType: actor.Type,
			OperatorID:   actor.ID,
			Note:         note,
			CreatedAt:    now,
		},
	}, nil
}

// MarkPaid records payment collection: pending_payment -> pending_confirm
func (o *Order) MarkPaid(actor types.Actor, now time.Time) (*Change, error) {
	return o.apply(ActionMarkPaid, actor, now, "")
}

// Confirm is the seller accepting the order: pending_confirm -> confirmed
func (o *Order) Confirm(actor types.Actor, now time.Time) (*Change, error) {
	return o.apply(ActionConfirm, actor, now, "")
}

// StartDelivery is the seller shipping the goods: confirmed -> delivering
func (o *Order) StartDelivery(actor types.Actor, now time.Time) (*Change, error) {
	return o.apply(ActionStartDelivery, actor, now, "")
}

// Complete is receipt confirmation by the buyer or the system: delivering -> completed
func (o *Order) Complete(actor types.Actor, now time.Time) (*Change, error) {
	return o.apply(ActionComplete, actor, now, "")
}

// CancelDirect cancels without adjudication while the order is still waiting
// for payment or confirmation and was created less than window ago
func (o *Order) CancelDirect(actor types.Actor, reason string, window time.Duration, now time.Time) (*Change, error) {
	if err := authorize(o, ActionCancelDirect, actor); err != nil {
		return nil, err
	}
	if _, ok := nextStatus(o.Status, ActionCancelDirect); ok && now.Sub(o.CreatedAt) > window {
		return nil, stateError(ErrCancelWindowExpired, ActionCancelDirect, o.Status)
	}
	return o.apply(ActionCancelDirect, actor, now, reason)
}

// RequestCancellation opens a cancellation request on a confirmed or
// delivering order. pending is the currently open request, if any.
func (o *Order) RequestCancellation(actor types.Actor, reason string, pending *CancellationRequest, now time.Time) (*Change, error) {
	if err := authorize(o, ActionRequestCancellation, actor); err != nil {
		return nil, err
	}
	if pending != nil {
		return nil, stateError(ErrPendingRequestExists, ActionRequestCancellation, o.Status)
	}

	change, err := o.apply(ActionRequestCancellation, actor, now, reason)
	if err != nil {
		return nil, err
	}
	change.Request = &CancellationRequest{
		RequestID:   "CXL_" + uuid.New().String(),
		OrderID:     o.ID,
		Reason:      reason,
		RequesterID: actor.ID,
		Status:      CancellationPending,
		CreatedAt:   now,
	}
	return change, nil
}

// AdjudicateCancellation resolves the pending request. Approval cancels the
// order; rejection leaves its status unchanged.
func (o *Order) AdjudicateCancellation(actor types.Actor, pending *CancellationRequest, approve bool, notes string, now time.Time) (*Change, error) {
	action := ActionRejectCancellation
	if approve {
		action = ActionApproveCancellation
	}
	if err := authorize(o, action, actor); err != nil {
		return nil, err
	}
	if pending == nil || pending.Status != CancellationPending {
		return nil, stateError(ErrNoPendingRequest, action, o.Status)
	}

	note := notes
	if approve {
		note = pending.Reason
	}
	change, err := o.apply(action, actor, now, note)
	if err != nil {
		return nil, err
	}

	resolved := *pending
	resolved.Status = CancellationRejected
	if approve {
		resolved.Status = CancellationApproved
	}
	resolved.AdjudicatorID = actor.ID
	resolved.AdjudicatorNotes = notes
	resolved.ResolvedAt = &now
	change.Request = &resolved
	return change, nil
}

// Event builds the domain event for an operation on o
func (o *Order) Event(eventType types.EventType, actor types.Actor, now time.Time) types.OrderEvent {
	return types.OrderEvent{
		EventID:     uuid.New().String(),
		Type:        eventType,
		OrderID:     o.ID,
		OrderNumber: o.OrderNumber,
		BuyerID:     o.BuyerID,
		SellerID:    o.SellerID,
		Status:      string(o.Status),
		GoodsAmount: o.GoodsAmount,
		TotalAmount: o.TotalAmount,
		ItemCount:   len(o.Items),
		Contact:     o.Contact(),
		Actor:       actor,
		OccurredAt:  now,
	}
}
