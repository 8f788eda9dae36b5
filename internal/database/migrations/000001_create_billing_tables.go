package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// CreateBillingTables creates the catalog, plan, subscription, payment and
// entitlement tables. The unique constraints here are load-bearing: the
// (user_id, plan_id) index on subscriptions is the backstop against
// concurrent initiation requests, and the (user_id, type, target_id) index
// on entitlements is what makes grants idempotent.
func CreateBillingTables() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_billing_tables",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.Exec(`
				CREATE EXTENSION IF NOT EXISTS "pgcrypto";

				CREATE TABLE IF NOT EXISTS users (
					id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
					email VARCHAR(255) NOT NULL UNIQUE,
					name VARCHAR(255),
					role VARCHAR(20) DEFAULT 'user',
					has_used_trial BOOLEAN DEFAULT FALSE,
					created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
					updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
					deleted_at TIMESTAMP WITH TIME ZONE
				);

				CREATE TABLE IF NOT EXISTS categories (
					id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
					name VARCHAR(255) NOT NULL,
					slug VARCHAR(255) UNIQUE,
					parent_id UUID REFERENCES categories(id),
					created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
					updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
					deleted_at TIMESTAMP WITH TIME ZONE
				);

				CREATE INDEX idx_categories_parent_id ON categories(parent_id);

				CREATE TABLE IF NOT EXISTS courses (
					id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
					title VARCHAR(255) NOT NULL,
					slug VARCHAR(255) UNIQUE,
					category_id UUID REFERENCES categories(id),
					is_published BOOLEAN DEFAULT FALSE,
					created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
					updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
					deleted_at TIMESTAMP WITH TIME ZONE
				);

				CREATE INDEX idx_courses_category_id ON courses(category_id);
			`).Error; err != nil {
				return err
			}

			if err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS plans (
					id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
					name VARCHAR(255) NOT NULL,
					description TEXT,
					plan_type VARCHAR(20) NOT NULL,
					target_id UUID,
					subscription_type VARCHAR(20) NOT NULL,
					price BIGINT NOT NULL,
					trial_days INT DEFAULT 0,
					trial_fee BIGINT DEFAULT 0,
					gateway_plan_id VARCHAR(100),
					is_active BOOLEAN DEFAULT TRUE,
					created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
					updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
					deleted_at TIMESTAMP WITH TIME ZONE
				);

				CREATE INDEX idx_plans_plan_type ON plans(plan_type);
				CREATE INDEX idx_plans_target_id ON plans(target_id);
				CREATE INDEX idx_plans_is_active ON plans(is_active);

				CREATE TABLE IF NOT EXISTS subscriptions (
					id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
					user_id UUID NOT NULL REFERENCES users(id),
					plan_id UUID NOT NULL REFERENCES plans(id),
					provider VARCHAR(30) NOT NULL,
					gateway_subscription_id VARCHAR(100),
					status VARCHAR(20) NOT NULL,
					is_trial BOOLEAN DEFAULT FALSE,
					current_period_start TIMESTAMP WITH TIME ZONE,
					current_period_end TIMESTAMP WITH TIME ZONE,
					trial_ends_at TIMESTAMP WITH TIME ZONE,
					grace_until TIMESTAMP WITH TIME ZONE,
					next_billing_at TIMESTAMP WITH TIME ZONE,
					cancel_at_period_end BOOLEAN DEFAULT FALSE,
					cancelled_at TIMESTAMP WITH TIME ZONE,
					created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
					updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
					deleted_at TIMESTAMP WITH TIME ZONE,
					UNIQUE(user_id, plan_id)
				);

				CREATE INDEX idx_subscriptions_status ON subscriptions(status);
				CREATE INDEX idx_subscriptions_gateway_id ON subscriptions(gateway_subscription_id);
				CREATE INDEX idx_subscriptions_cancel_at_period_end ON subscriptions(cancel_at_period_end);
			`).Error; err != nil {
				return err
			}

			return tx.Exec(`
				CREATE TABLE IF NOT EXISTS entitlements (
					id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
					user_id UUID NOT NULL REFERENCES users(id),
					type VARCHAR(20) NOT NULL,
					target_id UUID,
					status VARCHAR(20) NOT NULL,
					valid_until TIMESTAMP WITH TIME ZONE,
					source VARCHAR(100),
					created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
					updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
					deleted_at TIMESTAMP WITH TIME ZONE,
					UNIQUE(user_id, type, target_id)
				);

				CREATE INDEX idx_entitlements_status ON entitlements(status);

				CREATE TABLE IF NOT EXISTS payments (
					id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
					user_id UUID NOT NULL REFERENCES users(id),
					plan_id UUID NOT NULL REFERENCES plans(id),
					subscription_id UUID REFERENCES subscriptions(id),
					order_id VARCHAR(100),
					invoice_id VARCHAR(100),
					payment_id VARCHAR(100),
					amount BIGINT NOT NULL,
					payment_type VARCHAR(20) NOT NULL,
					status VARCHAR(20) NOT NULL,
					is_webhook_processed BOOLEAN DEFAULT FALSE,
					event_type VARCHAR(100),
					created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
					updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
					deleted_at TIMESTAMP WITH TIME ZONE
				);

				CREATE INDEX idx_payments_order_id ON payments(order_id);
				CREATE INDEX idx_payments_invoice_id ON payments(invoice_id);
				CREATE INDEX idx_payments_payment_id ON payments(payment_id);
				CREATE INDEX idx_payments_subscription_id ON payments(subscription_id);

				CREATE TABLE IF NOT EXISTS webhook_events (
					id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
					provider VARCHAR(20) NOT NULL,
					event VARCHAR(100),
					gateway_event_id VARCHAR(100),
					raw_data JSONB,
					processed BOOLEAN DEFAULT FALSE,
					processed_at TIMESTAMP WITH TIME ZONE,
					error TEXT,
					created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
					updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
				);

				CREATE UNIQUE INDEX idx_webhook_events_provider_event_id ON webhook_events(provider, gateway_event_id)
					WHERE gateway_event_id <> '';
			`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Exec(`
				DROP TABLE IF EXISTS webhook_events;
				DROP TABLE IF EXISTS payments;
				DROP TABLE IF EXISTS entitlements;
				DROP TABLE IF EXISTS subscriptions;
				DROP TABLE IF EXISTS plans;
				DROP TABLE IF EXISTS courses;
				DROP TABLE IF EXISTS categories;
				DROP TABLE IF EXISTS users;
			`).Error
		},
	}
}
