package obslog

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

const (
	colorReset = "\x1b[0m"
	colorBold  = "\x1b[1m"
	colorTime  = "\x1b[38;5;107m" // muted green, matches component palette below
	colorComp  = "\x1b[38;5;109m" // blue-green
	colorID    = "\x1b[38;5;108m" // bright green, for call/worker/session ids
	colorNum   = "\x1b[38;5;214m" // warm yellow, for counts and durations
	colorWarn  = "\x1b[38;5;179m"
	colorErr   = "\x1b[38;5;167m"
	warnBg     = "\x1b[48;5;58m"
	errBg      = "\x1b[48;5;52m"
)

// minimalEncoder is a calm, single-line console encoder.
// Format: "13:04:35  gateway  call dispatched  call_id=c_182 duration_ms=4"
type minimalEncoder struct {
	zapcore.Encoder
	buf *buffer.Buffer
}

func newMinimalEncoder() *minimalEncoder {
	base := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	return &minimalEncoder{
		Encoder: base,
		buf:     buffer.NewPool().Get(),
	}
}

func (enc *minimalEncoder) Clone() zapcore.Encoder {
	return &minimalEncoder{
		Encoder: enc.Encoder.Clone(),
		buf:     buffer.NewPool().Get(),
	}
}

func (enc *minimalEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	final := buffer.NewPool().Get()

	final.AppendString(colorTime)
	final.AppendString(ent.Time.Format("15:04:05"))
	final.AppendString(colorReset)

	if ent.Level != zapcore.InfoLevel {
		final.AppendString("  ")
		final.AppendString(levelColorString(ent.Level))
	}

	if ent.LoggerName != "" {
		final.AppendString("  ")
		final.AppendString(colorComp)
		final.AppendString(ent.LoggerName)
		final.AppendString(colorReset)
	}

	final.AppendString("  ")
	final.AppendString(ent.Message)

	if rendered := renderFields(fields); rendered != "" {
		final.AppendString("  ")
		final.AppendString(rendered)
	}

	final.AppendString("\n")
	return final, nil
}

func levelColorString(level zapcore.Level) string {
	switch level {
	case zapcore.WarnLevel:
		return colorBold + warnBg + colorWarn + "WARN" + colorReset
	case zapcore.ErrorLevel:
		return colorBold + errBg + colorErr + "ERROR" + colorReset
	case zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
		return colorBold + errBg + colorErr + level.CapitalString() + colorReset
	default:
		return ""
	}
}

func fieldValue(field zapcore.Field) string {
	switch field.Type {
	case zapcore.StringType:
		return field.String
	case zapcore.Int64Type, zapcore.Int32Type, zapcore.Int16Type, zapcore.Int8Type,
		zapcore.Uint64Type, zapcore.Uint32Type, zapcore.Uint16Type, zapcore.Uint8Type:
		return fmt.Sprintf("%d", field.Integer)
	case zapcore.BoolType:
		return fmt.Sprintf("%t", field.Integer != 0)
	default:
		if field.Interface != nil {
			return fmt.Sprintf("%v", field.Interface)
		}
		return ""
	}
}

// renderFields prints key=value pairs, coloring ids and durations so they
// stand out against a wall of plain fields.
func renderFields(fields []zapcore.Field) string {
	var parts []string
	for _, f := range fields {
		val := fieldValue(f)
		if val == "" {
			continue
		}
		switch {
		case strings.HasSuffix(f.Key, "_id"):
			parts = append(parts, f.Key+"="+colorID+val+colorReset)
		case f.Key == "duration_ms" || strings.HasSuffix(f.Key, "_count"):
			parts = append(parts, f.Key+"="+colorNum+val+colorReset)
		default:
			parts = append(parts, f.Key+"="+val)
		}
	}
	return strings.Join(parts, " ")
}
