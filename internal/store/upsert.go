package store

import "gorm.io/gorm/clause"

var upsertSettingClause = clause.OnConflict{
	Columns:   []clause.Column{{Name: "key"}},
	DoUpdates: clause.AssignmentColumns([]string{"value"}),
}

var upsertLocalModelClause = clause.OnConflict{
	Columns:   []clause.Column{{Name: "file_path"}},
	DoUpdates: clause.AssignmentColumns([]string{"file_hash", "file_type", "model_type", "size_bytes", "scanned_at"}),
}

var upsertLocationClause = clause.OnConflict{
	Columns:   []clause.Column{{Name: "path"}},
	DoUpdates: clause.AssignmentColumns([]string{"nickname"}),
}

// upsertFileEntryClause leaves checksum/verified alone: those columns are
// written only by SetFileVerified and whoever seeded the expected checksum.
var upsertFileEntryClause = clause.OnConflict{
	Columns:   []clause.Column{{Name: "task_id"}, {Name: "path"}},
	DoUpdates: clause.AssignmentColumns([]string{"size", "downloaded_bytes", "status"}),
}

var upsertProfileClause = clause.OnConflict{
	Columns:   []clause.Column{{Name: "name"}},
	DoUpdates: clause.AssignmentColumns([]string{"platform", "token_id", "endpoint_override"}),
}

var upsertTokenClause = clause.OnConflict{
	Columns:   []clause.Column{{Name: "name"}},
	DoUpdates: clause.AssignmentColumns([]string{"platform", "value"}),
}
