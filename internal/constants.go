package internal

const (
	HeaderProjectID    = "project_id"
	HeaderProfileID    = "profile_id"
	HeaderEventType    = "event_type"
	HeaderGatewayID    = "gateway_id"
	HeaderConnectionID = "connection_id"
	HeaderShardID      = "shard_id"
)
