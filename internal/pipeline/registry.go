package pipeline

import (
	"fmt"
	"strings"
)

// NoticeType identifies a kind of collection notice.
type NoticeType string

const (
	ConstitucionMoraAportantes       NoticeType = "constitucion_mora_aportantes"
	ConstitucionMoraIndependientes   NoticeType = "constitucion_mora_independientes"
	AvisoIncumplimientoAportantes    NoticeType = "aviso_incumplimiento_aportantes"
	AvisoIncumplimientoEstadosCuenta NoticeType = "aviso_incumplimiento_estados_cuenta"
)

// AllNoticeTypes lists every notice type in a stable order.
func AllNoticeTypes() []NoticeType {
	return []NoticeType{
		ConstitucionMoraAportantes,
		ConstitucionMoraIndependientes,
		AvisoIncumplimientoAportantes,
		AvisoIncumplimientoEstadosCuenta,
	}
}

// ParseNoticeType accepts the identifier of a notice type, ignoring case
// and surrounding space.
func ParseNoticeType(s string) (NoticeType, error) {
	t := NoticeType(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := Registry[t]; !ok {
		return "", fmt.Errorf("pipeline: unknown notice type %q", s)
	}
	return t, nil
}

// Registry builds the pipeline of each notice type.
var Registry = map[NoticeType]func(Env) Pipeline{
	ConstitucionMoraAportantes: func(env Env) Pipeline {
		return ingestion("Constitución en Mora - Aportantes", env,
			"BASCAR", "PAGAPL", "BAPRPO", "PAGPLA", "DATPOL", "DETTRA")
	},
	ConstitucionMoraIndependientes: func(env Env) Pipeline {
		return ingestion("Constitución en Mora - Independientes", env, "PAGPLA", "DETTRA")
	},
	AvisoIncumplimientoAportantes: func(env Env) Pipeline {
		return ingestion("Aviso de Incumplimiento - Aportantes", env)
	},
	AvisoIncumplimientoEstadosCuenta: func(env Env) Pipeline {
		return ingestion("Aviso de Incumplimiento - Estados de Cuenta", env)
	},
}

// Lookup returns the pipeline of t built over env.
func Lookup(t NoticeType, env Env) (Pipeline, error) {
	build, ok := Registry[t]
	if !ok {
		return Pipeline{}, fmt.Errorf("pipeline: unknown notice type %q", t)
	}
	return build(env), nil
}

// ingestion is the load pipeline shared by every notice type; they differ
// in the data sources they require.
func ingestion(name string, env Env, required ...string) Pipeline {
	return Pipeline{
		Name: name,
		Validation: []Step{
			RequireSourcesStep{Codes: required},
			ValidateFilesStep{Env: env},
			ValidateHeadersStep{Env: env},
		},
		Steps: []Step{
			LoadCSVSourcesStep{Env: env},
			ConvertWorkbooksStep{Env: env},
			LoadSheetCSVsStep{Env: env},
			CleanupStep{Env: env},
		},
	}
}
