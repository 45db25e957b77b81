package models

// Phase 证书生命周期阶段
type Phase string

const (
	PhaseUnconfigured Phase = "Unconfigured"
	PhaseConfiguring  Phase = "Configuring"
	PhaseIssuing      Phase = "Issuing"
	PhaseReady        Phase = "Ready"
	PhaseFailed       Phase = "Failed"
)

// Phases 所有阶段，用于指标导出
var Phases = []Phase{PhaseUnconfigured, PhaseConfiguring, PhaseIssuing, PhaseReady, PhaseFailed}

// StatusKind 面向运维人员的状态类别
type StatusKind string

const (
	StatusActive      StatusKind = "active"
	StatusBlocked     StatusKind = "blocked"
	StatusWaiting     StatusKind = "waiting"
	StatusMaintenance StatusKind = "maintenance"
)

type UnitStatus struct {
	Kind    StatusKind `json:"kind" yaml:"kind"`
	Message string     `json:"message,omitempty" yaml:"message,omitempty"`
}

func ActiveStatus() UnitStatus {
	return UnitStatus{Kind: StatusActive}
}

func BlockedStatus(message string) UnitStatus {
	return UnitStatus{Kind: StatusBlocked, Message: message}
}

func WaitingStatus(message string) UnitStatus {
	return UnitStatus{Kind: StatusWaiting, Message: message}
}

func MaintenanceStatus(message string) UnitStatus {
	return UnitStatus{Kind: StatusMaintenance, Message: message}
}

func (s UnitStatus) String() string {
	if s.Message == "" {
		return string(s.Kind)
	}
	return string(s.Kind) + ": " + s.Message
}

// Reconfigure 重新配置后进入 Configuring 阶段；已有的证书引用失效，直到新的签发成功
func (s *StateContext) Reconfigure(cfg Config) {
	s.Phase = PhaseConfiguring
	s.Config = cfg
	s.Hostname = cfg.ServiceHostname
	if s.Credential != nil {
		s.Credential.Ready = false
	}
}
