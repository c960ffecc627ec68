package core

import "modos/pkg/domain"

type (
	Node               = domain.Node
	NodeType           = domain.NodeType
	Severity           = domain.Severity
	Change             = domain.Change
	Action             = domain.Action
	Violation          = domain.Violation
	Result             = domain.Result
	RuleViolationError = domain.RuleViolationError
)

const (
	TypeMODO              = domain.TypeMODO
	TypeAssay             = domain.TypeAssay
	TypeSample            = domain.TypeSample
	TypeDataEntity        = domain.TypeDataEntity
	TypeReferenceGenome   = domain.TypeReferenceGenome
	TypeReferenceSequence = domain.TypeReferenceSequence
)

const (
	SeverityBlock = domain.SeverityBlock
	SeverityWarn  = domain.SeverityWarn
	SeverityLog   = domain.SeverityLog
)

const (
	ActionCreate = domain.ActionCreate
	ActionUpdate = domain.ActionUpdate
	ActionDelete = domain.ActionDelete
)
