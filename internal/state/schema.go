package state

const schemaSQL = `
CREATE TABLE IF NOT EXISTS bus_events (
  id TEXT PRIMARY KEY,
  stream TEXT NOT NULL,
  subject TEXT,
  body TEXT NOT NULL,
  term TEXT,
  metadata TEXT,
  created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_bus_events_stream_created ON bus_events(stream, created_at);

CREATE TABLE IF NOT EXISTS documents (
  name TEXT PRIMARY KEY,
  body TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
`
