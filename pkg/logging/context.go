package logging

import (
	"context"
)

type contextKey string

const (
	MessageIDKey      contextKey = "message_id"
	ProjectSlugKey    contextKey = "project_slug"
	SourceStudyUIDKey contextKey = "source_study_uid"
	QueueKey          contextKey = "queue"
	ServiceNameKey    contextKey = "service_name"
)

func WithMessageID(ctx context.Context, messageID string) context.Context {
	return context.WithValue(ctx, MessageIDKey, messageID)
}

func WithProjectSlug(ctx context.Context, slug string) context.Context {
	return context.WithValue(ctx, ProjectSlugKey, slug)
}

func WithSourceStudyUID(ctx context.Context, uid string) context.Context {
	return context.WithValue(ctx, SourceStudyUIDKey, uid)
}

func WithQueue(ctx context.Context, queue string) context.Context {
	return context.WithValue(ctx, QueueKey, queue)
}

func WithServiceName(ctx context.Context, serviceName string) context.Context {
	return context.WithValue(ctx, ServiceNameKey, serviceName)
}

func GetMessageID(ctx context.Context) string {
	return getString(ctx, MessageIDKey)
}

func GetProjectSlug(ctx context.Context) string {
	return getString(ctx, ProjectSlugKey)
}

func GetSourceStudyUID(ctx context.Context) string {
	return getString(ctx, SourceStudyUIDKey)
}

func GetQueue(ctx context.Context) string {
	return getString(ctx, QueueKey)
}

func GetServiceName(ctx context.Context) string {
	return getString(ctx, ServiceNameKey)
}

func getString(ctx context.Context, key contextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetLogFields collects the structured fields carried on the context in the
// order they should appear in log lines.
func GetLogFields(ctx context.Context) []interface{} {
	fields := make([]interface{}, 0, 10)

	if v := GetMessageID(ctx); v != "" {
		fields = append(fields, string(MessageIDKey), v)
	}
	if v := GetProjectSlug(ctx); v != "" {
		fields = append(fields, string(ProjectSlugKey), v)
	}
	if v := GetSourceStudyUID(ctx); v != "" {
		fields = append(fields, string(SourceStudyUIDKey), v)
	}
	if v := GetQueue(ctx); v != "" {
		fields = append(fields, string(QueueKey), v)
	}
	if v := GetServiceName(ctx); v != "" {
		fields = append(fields, string(ServiceNameKey), v)
	}

	return fields
}
