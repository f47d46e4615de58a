package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/pos-checkout/db"
	"github.com/xenking/pos-checkout/internal/domain/product"
	"github.com/xenking/pos-checkout/internal/domain/promotion"
	"github.com/xenking/pos-checkout/internal/storage/postgres"
)

func main() {
	var (
		databaseURL  string
		productsFile string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&productsFile, "products-file", "", "path to products JSON file (defaults to the embedded catalog)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, productsFile); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, productsFile string) error {
	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL, nil)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedProducts(ctx, postgres.NewProductRepository(pool), productsFile); err != nil {
		return errors.Wrap(err, "seed products")
	}

	if err := seedPromotions(ctx, postgres.NewPromotionRepository(pool)); err != nil {
		return errors.Wrap(err, "seed promotions")
	}

	return nil
}

func seedProducts(ctx context.Context, repo *postgres.ProductRepository, productsFile string) error {
	data := db.Products
	if productsFile != "" {
		slog.Info("reading products file", slog.String("path", productsFile))

		var err error
		if data, err = os.ReadFile(productsFile); err != nil {
			return errors.Wrap(err, "read products file")
		}
	}

	products, err := parseProducts(data)
	if err != nil {
		return errors.Wrap(err, "parse products JSON")
	}

	slog.Info("upserting products", slog.Int("count", len(products)))

	for _, p := range products {
		if err := repo.Upsert(ctx, p); err != nil {
			return errors.Wrapf(err, "upsert product %s", p.ID)
		}

		slog.Info("upserted product", slog.String("id", p.ID), slog.String("name", p.Name))
	}

	return nil
}

// parseProducts decodes the seed catalog. Prices may be JSON numbers or
// strings.
func parseProducts(data []byte) ([]product.Product, error) {
	var products []product.Product
	err := jx.DecodeBytes(data).Arr(func(d *jx.Decoder) error {
		var p product.Product
		if err := d.Obj(func(d *jx.Decoder, key string) error {
			var err error
			switch key {
			case "id":
				p.ID, err = d.Str()
			case "name":
				p.Name, err = d.Str()
			case "category":
				p.Category, err = d.Str()
			case "stock":
				p.Stock, err = d.Int()
			case "price":
				p.Price, err = decodePrice(d)
			default:
				err = d.Skip()
			}
			return errors.Wrap(err, key)
		}); err != nil {
			return err
		}
		if p.ID == "" {
			return errors.New("product without id")
		}
		products = append(products, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return products, nil
}

func decodePrice(d *jx.Decoder) (decimal.Decimal, error) {
	if d.Next() == jx.String {
		s, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(s)
	}
	n, err := d.Num()
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(n.String())
}

func seedPromotions(ctx context.Context, repo *postgres.PromotionRepository) error {
	slog.Info("seeding demo promotions")

	rules := []promotion.Rule{
		{
			ID:           "promo-happyhours",
			Code:         "HAPPYHOURS",
			DiscountType: promotion.DiscountPercentage,
			Value:        decimal.NewFromInt(18),
			Description:  "Happy Hours: 18% off entire order",
		},
		{
			ID:             "promo-buygetone",
			Code:           "BUYGETONE",
			DiscountType:   promotion.DiscountFreeLowest,
			MinOrderAmount: decimal.NewFromInt(5),
			Description:    "Buy one get one: lowest priced item free",
		},
		{
			ID:             "promo-fiveoff",
			Code:           "FIVEOFF",
			DiscountType:   promotion.DiscountFixed,
			Value:          decimal.NewFromInt(5),
			MinOrderAmount: decimal.NewFromInt(30),
			MaxUses:        500,
			Description:    "5.00 off orders of 30.00 or more",
		},
	}

	for _, rule := range rules {
		if err := repo.Upsert(ctx, rule); err != nil {
			return errors.Wrapf(err, "upsert promotion %s", rule.Code)
		}

		slog.Info("upserted promotion", slog.String("code", rule.Code), slog.String("description", rule.Description))
	}

	return nil
}
