package store

// Schema creates every table the PostgreSQL store uses. Money columns are
// NUMERIC; the wallet balance is guarded by a CHECK so no code path can
// drive it negative.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
    id            TEXT PRIMARY KEY,
    email         TEXT NOT NULL,
    password_hash TEXT NOT NULL,
    full_name     TEXT NOT NULL DEFAULT '',
    kyc_verified  BOOLEAN NOT NULL DEFAULT FALSE,
    bank_detail   JSONB,
    broker_linked BOOLEAN NOT NULL DEFAULT FALSE,
    created_at    TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email ON users (LOWER(email));

CREATE TABLE IF NOT EXISTS wallets (
    user_id    TEXT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
    balance    NUMERIC(18,2) NOT NULL DEFAULT 0 CHECK (balance >= 0),
    currency   TEXT NOT NULL DEFAULT 'INR',
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_entries (
    seq         BIGSERIAL PRIMARY KEY,
    id          TEXT NOT NULL UNIQUE,
    user_id     TEXT NOT NULL REFERENCES wallets(user_id) ON DELETE CASCADE,
    type        TEXT NOT NULL CHECK (type IN ('CREDIT', 'DEBIT')),
    amount      NUMERIC(18,2) NOT NULL CHECK (amount > 0),
    description TEXT NOT NULL DEFAULT '',
    reference   TEXT NOT NULL DEFAULT '',
    timestamp   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_user ON ledger_entries (user_id, seq);
CREATE INDEX IF NOT EXISTS idx_ledger_reference ON ledger_entries (user_id, reference) WHERE reference <> '';

CREATE TABLE IF NOT EXISTS orders (
    seq               BIGSERIAL,
    id                TEXT PRIMARY KEY,
    user_id           TEXT NOT NULL,
    symbol            TEXT NOT NULL,
    exchange          TEXT NOT NULL,
    side              TEXT NOT NULL,
    quantity          BIGINT NOT NULL CHECK (quantity > 0),
    order_type        TEXT NOT NULL,
    limit_price       NUMERIC(18,2),
    trigger_price     NUMERIC(18,2),
    stop_loss         NUMERIC(18,2),
    take_profit       NUMERIC(18,2),
    validity          TEXT NOT NULL DEFAULT 'DAY',
    price             NUMERIC(18,2) NOT NULL,
    status            TEXT NOT NULL,
    provider_order_id TEXT NOT NULL DEFAULT '',
    reject_reason     TEXT NOT NULL DEFAULT '',
    created_at        TIMESTAMPTZ NOT NULL,
    placed_at         TIMESTAMPTZ,
    filled_at         TIMESTAMPTZ,
    cancelled_at      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_orders_user ON orders (user_id, seq);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders (status, seq);

CREATE TABLE IF NOT EXISTS transactions (
    seq          BIGSERIAL,
    id           TEXT PRIMARY KEY,
    user_id      TEXT NOT NULL,
    order_id     TEXT NOT NULL UNIQUE,
    symbol       TEXT NOT NULL,
    exchange     TEXT NOT NULL,
    side         TEXT NOT NULL,
    quantity     BIGINT NOT NULL,
    price        NUMERIC(18,2) NOT NULL,
    total_amount NUMERIC(18,2) NOT NULL,
    charges      NUMERIC(18,2) NOT NULL,
    net_amount   NUMERIC(18,2) NOT NULL,
    cost_basis   NUMERIC(18,4) NOT NULL DEFAULT 0,
    realized_pnl NUMERIC(18,4) NOT NULL DEFAULT 0,
    status       TEXT NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL,
    updated_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions (user_id, seq);

CREATE TABLE IF NOT EXISTS positions (
    user_id        TEXT NOT NULL,
    symbol         TEXT NOT NULL,
    exchange       TEXT NOT NULL,
    quantity       BIGINT NOT NULL CHECK (quantity > 0),
    average_price  NUMERIC(18,4) NOT NULL,
    total_invested NUMERIC(18,4) NOT NULL,
    current_price  NUMERIC(18,2) NOT NULL DEFAULT 0,
    current_value  NUMERIC(18,4) NOT NULL DEFAULT 0,
    unrealized_pnl NUMERIC(18,4) NOT NULL DEFAULT 0,
    realized_pnl   NUMERIC(18,4) NOT NULL DEFAULT 0,
    last_updated   TIMESTAMPTZ NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (user_id, symbol, exchange)
);

CREATE TABLE IF NOT EXISTS watchlist (
    seq          BIGSERIAL,
    id           TEXT PRIMARY KEY,
    user_id      TEXT NOT NULL,
    symbol       TEXT NOT NULL,
    exchange     TEXT NOT NULL,
    target_price NUMERIC(18,2),
    stop_loss    NUMERIC(18,2),
    notes        TEXT NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ NOT NULL,
    UNIQUE (user_id, symbol, exchange)
);
`
