package log

import "log/slog"

func RunID[T ~string](id T) slog.Attr {
	return slog.String("run_id", string(id))
}

func FunctionID[T ~string](id T) slog.Attr {
	return slog.String("function_id", string(id))
}

func EventID[T ~string](id T) slog.Attr {
	return slog.String("event_id", string(id))
}

func EventName(name string) slog.Attr {
	return slog.String("event_name", name)
}

func StepName[T ~string](name T) slog.Attr {
	return slog.String("step_name", string(name))
}

func Attempt(n int) slog.Attr {
	return slog.Int("attempt", n)
}

func Error(err error) slog.Attr {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return slog.String("error", msg)
}

func ErrorString(msg string) slog.Attr {
	return slog.String("error", msg)
}
