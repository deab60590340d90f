package storage

// Schema creates the trips table and the in-flight assignment ledger.
const Schema = `
CREATE TABLE IF NOT EXISTS trips (
	id                TEXT PRIMARY KEY,
	rider_id          TEXT NOT NULL,
	request           JSONB NOT NULL,
	mode              TEXT NOT NULL,
	primary_driver_id TEXT NOT NULL,
	chase_driver_id   TEXT,
	price             JSONB,
	payment_intent_id TEXT,
	status            TEXT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS driver_assignments (
	driver_id   TEXT PRIMARY KEY,
	trip_id     TEXT NOT NULL,
	assigned_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS driver_assignments_trip_idx ON driver_assignments(trip_id);
`
