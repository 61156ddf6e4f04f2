package ledger

// SQL statements are written to the dialect subset shared by Postgres and
// SQLite ($N placeholders, no vendor-specific functions) so the production
// statements are exactly what the tests exercise.

const (
	queryGetAccount = `
		SELECT id, balance, version
		FROM accounts
		WHERE scope = $1 AND user_id = $2 AND asset = $3`

	queryInsertAccount = `
		INSERT INTO accounts (id, scope, user_id, asset, balance, display_label, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	queryUpdateBalance = `
		UPDATE accounts
		SET balance = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`

	queryGetBalance = `
		SELECT balance
		FROM accounts
		WHERE scope = $1 AND user_id = $2 AND asset = $3`

	queryExternalRefExists = `
		SELECT 1
		FROM transactions
		WHERE external_ref = $1`

	queryInsertTransaction = `
		INSERT INTO transactions (id, scope, user_id, asset, amount, balance_before, balance_after, kind, external_ref, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	queryTransactionHistory = `
		SELECT id, scope, user_id, asset, amount, balance_before, balance_after, kind, external_ref, description, created_at
		FROM transactions
		WHERE scope = $1 AND user_id = $2 AND asset = $3
		ORDER BY created_at DESC, id DESC
		LIMIT $4 OFFSET $5`

	queryCountTransactions = `SELECT COUNT(*) FROM transactions`

	queryPruneTransactions = `
		DELETE FROM transactions
		WHERE id IN (
			SELECT id FROM transactions
			ORDER BY created_at ASC, id ASC
			LIMIT $1
		)`
)
