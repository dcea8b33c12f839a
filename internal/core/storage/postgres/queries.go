package postgres

// SQL for the single metrics table. One row per (name, precision, id); id is
// "<time_bucket>_<entity_id>".

const (
	queryTableExists = `
		SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_name = 'metrics'
		)
	`

	querySelectMetric = `
		SELECT entity_id, time_bucket, function, value, summation, count, last_update
		FROM metrics
		WHERE name = $1 AND precision = $2 AND id = $3
	`

	// querySelectMetrics loads a sub-batch in one round trip; $3 is a text[] of ids.
	querySelectMetrics = `
		SELECT entity_id, time_bucket, function, value, summation, count, last_update
		FROM metrics
		WHERE name = $1 AND precision = $2 AND id = ANY($3)
	`

	// queryInsertMetric overwrites on conflict so a replayed insert is idempotent.
	queryInsertMetric = `
		INSERT INTO metrics (
			name, precision, id, entity_id, time_bucket,
			function, value, summation, count, last_update, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (name, precision, id)
		DO UPDATE SET
			function    = EXCLUDED.function,
			value       = EXCLUDED.value,
			summation   = EXCLUDED.summation,
			count       = EXCLUDED.count,
			last_update = EXCLUDED.last_update,
			updated_at  = EXCLUDED.updated_at
	`

	queryUpdateMetric = `
		UPDATE metrics
		SET value = $4, summation = $5, count = $6, last_update = $7, updated_at = $8
		WHERE name = $1 AND precision = $2 AND id = $3
	`

	queryDeleteExpired = `
		DELETE FROM metrics
		WHERE name = $1 AND precision = $2 AND time_bucket < $3
	`
)
