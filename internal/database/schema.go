package database

// schema is split into statements because the MySQL driver rejects multi-statement
// Exec unless multiStatements=true is set on the DSN.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
    id VARCHAR(64) PRIMARY KEY,
    email VARCHAR(255),
    credits_subscription INT NOT NULL DEFAULT 0,
    credits_extra INT NOT NULL DEFAULT 0,
    subscription_status VARCHAR(16) NOT NULL DEFAULT 'inactive',
    stripe_customer_id VARCHAR(64),
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    UNIQUE KEY uniq_stripe_customer (stripe_customer_id),
    CONSTRAINT chk_credits_subscription CHECK (credits_subscription >= 0),
    CONSTRAINT chk_credits_extra CHECK (credits_extra >= 0)
)`,
	`CREATE TABLE IF NOT EXISTS generations (
    id CHAR(36) PRIMARY KEY,
    account_id VARCHAR(64) NOT NULL,
    tool VARCHAR(32) NOT NULL,
    status VARCHAR(16) NOT NULL,
    credits_used INT NOT NULL,
    result_url TEXT,
    metadata JSON NOT NULL,
    created_at TIMESTAMP(3) DEFAULT CURRENT_TIMESTAMP(3),
    updated_at TIMESTAMP(3) DEFAULT CURRENT_TIMESTAMP(3) ON UPDATE CURRENT_TIMESTAMP(3),
    KEY idx_account_tool_status (account_id, tool, status, created_at),
    KEY idx_status_created (status, created_at),
    FOREIGN KEY (account_id) REFERENCES accounts(id)
)`,
	`CREATE TABLE IF NOT EXISTS credit_audit_log (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    account_id VARCHAR(64) NOT NULL,
    action VARCHAR(32) NOT NULL,
    amount INT NOT NULL,
    before_subscription INT NOT NULL,
    before_extra INT NOT NULL,
    after_subscription INT NOT NULL,
    after_extra INT NOT NULL,
    reason VARCHAR(255),
    generation_id CHAR(36),
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    KEY idx_audit_account (account_id, created_at)
)`,
	`CREATE TABLE IF NOT EXISTS stripe_events (
    id VARCHAR(128) PRIMARY KEY,
    type VARCHAR(64) NOT NULL,
    status VARCHAR(16) NOT NULL,
    raw_payload MEDIUMTEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
)`,
}
