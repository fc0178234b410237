package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/ldaptoid/ldaptoid/pkg/directory"
	"github.com/ldaptoid/ldaptoid/pkg/idp"
	"github.com/ldaptoid/ldaptoid/pkg/snapshot"
)

// Validate checks structural constraints (struct tags) and the
// cross-field rules the tags cannot express. A non-nil error is a fatal
// startup configuration error.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return err
	}

	idpType, err := idp.ParseType(cfg.IdP.Type)
	if err != nil {
		return err
	}
	idpCfg := idp.Config{
		Type:         idpType,
		BaseURL:      cfg.IdP.BaseURL,
		ClientID:     cfg.IdP.ClientID,
		ClientSecret: cfg.IdP.ClientSecret,
		Realm:        cfg.IdP.Realm,
		Tenant:       cfg.IdP.Tenant,
		Organization: cfg.IdP.Organization,
	}
	if err := idpCfg.Validate(); err != nil {
		return err
	}

	if _, err := directory.ParseSuffix(cfg.LDAP.BaseDN); err != nil {
		return err
	}
	if (cfg.LDAP.BindDN == "") != (cfg.LDAP.BindPassword == "") {
		return fmt.Errorf("ldap.bind_dn and ldap.bind_password must be set together")
	}

	for _, f := range cfg.Refresh.EnabledFeatures {
		switch f {
		case snapshot.FeatureSyntheticPrimaryGroup, snapshot.FeatureMirrorNestedGroups:
		default:
			return fmt.Errorf("unknown feature flag %q", f)
		}
	}

	if cfg.MappingStore.Enabled && cfg.MappingStore.Host == "" {
		return fmt.Errorf("mapping_store.host is required when the mapping store is enabled")
	}
	return nil
}

// IdPConfigOf converts the validated configuration into the idp package
// shape.
func IdPConfigOf(cfg *Config) idp.Config {
	idpType, _ := idp.ParseType(cfg.IdP.Type)
	return idp.Config{
		Type:           idpType,
		BaseURL:        cfg.IdP.BaseURL,
		ClientID:       cfg.IdP.ClientID,
		ClientSecret:   cfg.IdP.ClientSecret,
		Realm:          cfg.IdP.Realm,
		Tenant:         cfg.IdP.Tenant,
		Organization:   cfg.IdP.Organization,
		RequestTimeout: cfg.IdP.RequestTimeout,
	}
}
