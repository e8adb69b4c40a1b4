package core

import "supplycore/pkg/domain"

type (
	Address    = domain.Address
	ProductID  = domain.ProductID
	LotID      = domain.LotID
	SupplyLot  = domain.SupplyLot
	Change     = domain.Change
	Result     = domain.Result
	Violation  = domain.Violation
	Rule       = domain.Rule
	EntityType = domain.EntityType
	Action     = domain.Action
)

const (
	SeverityBlock = domain.SeverityBlock
	SeverityWarn  = domain.SeverityWarn
	SeverityLog   = domain.SeverityLog
)
