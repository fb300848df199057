package memledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"courierchain/contracts/logistics"
)

// escrowProgram is the hosted LogisticsEscrow state.
type escrowProgram struct {
	customer      common.Address
	storeOwner    common.Address
	agent         common.Address
	productAmount *uint256.Int
	deliveryFee   *uint256.Int
	agentStake    *uint256.Int
	balance       *uint256.Int
	funded        bool
	status        logistics.Status
}

func (p *escrowProgram) execute(tx *txContext, method string, sender common.Address, value *uint256.Int) error {
	if p.status == logistics.StatusFailed {
		return tx.revert("contract failed")
	}
	switch method {
	case logistics.MethodFund:
		if sender != p.customer {
			return tx.revert("only customer can fund")
		}
		if p.status != logistics.StatusInitiated || p.funded {
			return tx.revert("already funded")
		}
		total := new(uint256.Int).Add(p.productAmount, p.deliveryFee)
		if !value.Eq(total) {
			return tx.revert(fmt.Sprintf("incorrect funding amount: want %s got %s", total.Dec(), value.Dec()))
		}
		if err := tx.debit(sender, value); err != nil {
			return err
		}
		p.balance.Add(p.balance, value)
		p.funded = true
		return nil
	case logistics.MethodAcceptDelivery:
		if p.status != logistics.StatusInitiated {
			return tx.revert("delivery already accepted")
		}
		if !p.funded {
			return tx.revert("contract not funded")
		}
		if sender == p.customer || sender == p.storeOwner {
			return tx.revert("parties cannot act as agent")
		}
		if value.Lt(p.productAmount) {
			return tx.revert("insufficient stake")
		}
		if !value.Eq(p.productAmount) {
			return tx.revert("stake must equal product amount")
		}
		if err := tx.debit(sender, value); err != nil {
			return err
		}
		p.balance.Add(p.balance, value)
		p.agent = sender
		p.agentStake = value.Clone()
		p.status = logistics.StatusAgentAssigned
		return nil
	case logistics.MethodConfirmPickup:
		if sender != p.storeOwner {
			return tx.revert("only store owner can confirm pickup")
		}
		if p.status != logistics.StatusAgentAssigned {
			return tx.revert("pickup not allowed in " + p.status.String())
		}
		p.status = logistics.StatusPickedUp
		return nil
	case logistics.MethodConfirmDelivery:
		if sender != p.agent {
			return tx.revert("only delivery agent can confirm delivery")
		}
		if p.status != logistics.StatusPickedUp {
			return tx.revert("delivery not allowed in " + p.status.String())
		}
		agentPayout := new(uint256.Int).Add(p.deliveryFee, p.agentStake)
		tx.credit(p.storeOwner, p.productAmount)
		tx.credit(p.agent, agentPayout)
		p.balance.Sub(p.balance, new(uint256.Int).Add(p.productAmount, agentPayout))
		p.status = logistics.StatusDelivered
		return nil
	default:
		return tx.revert(method + " is not a state-changing function")
	}
}

func (p *escrowProgram) view(method string) (interface{}, error) {
	switch method {
	case logistics.MethodCurrentStatus:
		return uint8(p.status), nil
	case logistics.MethodDeliveryAgent:
		return p.agent, nil
	case logistics.MethodCustomer:
		return p.customer, nil
	case logistics.MethodStoreOwner:
		return p.storeOwner, nil
	case logistics.MethodProductAmount:
		return p.productAmount.ToBig(), nil
	case logistics.MethodDeliveryFee:
		return p.deliveryFee.ToBig(), nil
	case logistics.MethodAgentStake:
		return p.agentStake.ToBig(), nil
	case logistics.MethodBalance:
		return p.balance.ToBig(), nil
	default:
		return nil, fmt.Errorf("%s is not a view", method)
	}
}
